package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/speechwire/pkg/stt"
)

type startEvent struct {
	Event  string     `json:"event"`
	Config stt.Config `json:"config"`
}

type serverEvent struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id"`
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Final    bool   `json:"final"`
	FromSeq  uint64 `json:"from_seq"`
	ToSeq    uint64 `json:"to_seq"`
	Chunks   uint64 `json:"chunks"`
	Error    string `json:"error"`
	Kind     string `json:"kind"`
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "")
	file := flag.String("file", "", "raw audio file")
	backend := flag.String("backend", "", "")
	encoding := flag.String("encoding", stt.EncodingLinear16, "")
	sampleRate := flag.Int("sample_rate", stt.DefaultSampleRate, "")
	language := flag.String("language", "", "")
	interim := flag.Bool("interim", false, "")
	chunkMS := flag.Int("chunk_ms", 100, "")
	realtime := flag.Bool("realtime", true, "pace chunks at audio speed")
	flag.Parse()
	if *file == "" {
		fmt.Println("usage: stream_file -file=audio.raw [-url=ws://localhost:8080/ws] [-backend=...]")
		os.Exit(1)
	}
	audio, err := os.ReadFile(*file)
	if err != nil {
		fmt.Println("read error:", err)
		os.Exit(1)
	}

	cfg := stt.Config{
		BackendID:      *backend,
		Encoding:       *encoding,
		SampleRate:     *sampleRate,
		Language:       *language,
		InterimResults: *interim,
	}
	size := cfg.WithDefaults().BytesPerSecond() * *chunkMS / 1000
	if size <= 0 {
		size = 3200
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		fmt.Println("dial error:", err)
		os.Exit(1)
	}
	defer conn.Close()
	if err := conn.WriteJSON(startEvent{Event: "start", Config: cfg}); err != nil {
		fmt.Println("start error:", err)
		os.Exit(1)
	}

	done := make(chan int, 1)
	go func() { done <- printEvents(conn) }()

	interval := time.Duration(*chunkMS) * time.Millisecond
	for off := 0; off < len(audio); off += size {
		end := min(off+size, len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			fmt.Println("send error:", err)
			break
		}
		if *realtime {
			time.Sleep(interval)
		}
	}
	_ = conn.WriteJSON(map[string]string{"event": "stop"})
	os.Exit(<-done)
}

func printEvents(conn *websocket.Conn) int {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if err == io.EOF || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0
			}
			fmt.Println("read error:", err)
			return 1
		}
		var ev serverEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		switch ev.Event {
		case "started":
			fmt.Println("stream:", ev.StreamID)
		case "result":
			marker := "~"
			if ev.Final {
				marker = "="
			}
			fmt.Printf("[%d]%s %s\n", ev.Index, marker, ev.Text)
		case "data_loss":
			fmt.Printf("data loss: seq %d-%d (%d chunks)\n", ev.FromSeq, ev.ToSeq, ev.Chunks)
		case "end":
			if ev.Error != "" {
				fmt.Printf("failed (%s): %s\n", ev.Kind, ev.Error)
				return 1
			}
			fmt.Println("done")
			return 0
		}
	}
}
