package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	ws "nhooyr.io/websocket"

	"backchannel/orchestra/internal/audio"
)

// 8000 bytes of 16 kHz mono PCM16 is 250ms of audio.
const chunkBytes = 8000

func main() {
	_ = godotenv.Load()

	server := flag.String("server", "ws://localhost:8000/ws/session", "session websocket URL")
	wavPath := flag.String("wav", "", "16 kHz mono 16-bit WAV file to stream")
	token := flag.String("token", os.Getenv("CLIENT_TOKEN"), "client token (optional)")
	outDir := flag.String("out", "", "directory to write received reaction audio")
	silence := flag.Duration("silence", 2*time.Second, "silence streamed after the file")
	linger := flag.Duration("linger", 5*time.Second, "how long to wait for reactions after stopping")
	flag.Parse()

	if *wavPath == "" {
		log.Fatal("-wav is required")
	}
	pcm, err := audio.ReadWAV(*wavPath)
	if err != nil {
		log.Fatalf("read wav: %v", err)
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			log.Fatalf("create out dir: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	target := *server
	if *token != "" {
		u, err := url.Parse(target)
		if err != nil {
			log.Fatalf("server url: %v", err)
		}
		q := u.Query()
		q.Set("token", *token)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, resp, err := ws.Dial(dctx, target, nil)
	cancel()
	if err != nil {
		if resp != nil {
			log.Fatalf("dial: %v (HTTP %d)", err, resp.StatusCode)
		}
		log.Fatalf("dial: %v", err)
	}
	c.SetReadLimit(8 << 20)
	defer c.Close(ws.StatusNormalClosure, "bye")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		receive(ctx, c, *outDir)
	}()

	fmt.Printf("=== Backchannel mic client ===\n")
	fmt.Printf("File: %s (%.1fs)\n\n", *wavPath, float64(len(pcm))/float64(audio.SampleRate*2))

	if err := stream(ctx, c, pcm, *silence); err != nil {
		log.Printf("stream: %v", err)
	}
	fmt.Println("[*] audio sent; waiting for reactions")
	_ = c.Write(ctx, ws.MessageText, []byte(`{"type":"stop"}`))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
		fmt.Println("[*] session closed by server")
	case <-time.After(*linger):
		fmt.Println("[*] linger elapsed")
	case <-ctx.Done():
		fmt.Println("[*] interrupted")
	}
}

// stream sends pcm paced in real time, then a silence tail.
func stream(ctx context.Context, c *ws.Conn, pcm []byte, silence time.Duration) error {
	tail := make([]byte, int(silence.Seconds()*audio.SampleRate)*2)
	all := append(append([]byte(nil), pcm...), tail...)
	tick := time.NewTicker(time.Second * chunkBytes / (audio.SampleRate * 2))
	defer tick.Stop()
	for off := 0; off < len(all); off += chunkBytes {
		end := off + chunkBytes
		if end > len(all) {
			end = len(all)
		}
		if err := c.Write(ctx, ws.MessageBinary, all[off:end]); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

func receive(ctx context.Context, c *ws.Conn, outDir string) {
	n := 0
	var pending []byte
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			if ws.CloseStatus(err) != ws.StatusNormalClosure && ctx.Err() == nil {
				fmt.Printf("[stream] read error: %v\n", err)
			}
			return
		}
		ts := time.Now().Format("15:04:05.000")
		if typ == ws.MessageBinary {
			pending = data
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Printf("[%s] <- %s\n", ts, string(data))
			continue
		}
		switch ev["type"] {
		case "session":
			fmt.Printf("[%s] <- session %v (mode=%v)\n", ts, ev["session_id"], ev["mode"])
		case "transcript":
			mark := "~"
			if final, _ := ev["is_final"].(bool); final {
				mark = "="
			}
			fmt.Printf("[%s] <- transcript %s %q [%v]\n", ts, mark, ev["text"], ev["sentiment"])
		case "mode_change":
			fmt.Printf("[%s] <- mode_change %v\n", ts, ev["mode"])
		case "feedback":
			n++
			fmt.Printf("[%s] <- feedback %q voice=%v layer=%v (%d bytes)\n", ts, ev["text"], ev["voice"], ev["layer"], len(pending))
			if outDir != "" && len(pending) > 0 {
				name := fmt.Sprintf("%03d-%s.mp3", n, safeName(fmt.Sprint(ev["voice"])))
				if err := os.WriteFile(filepath.Join(outDir, name), pending, 0o644); err != nil {
					fmt.Printf("[%s] write %s: %v\n", ts, name, err)
				}
			}
			pending = nil
		default:
			fmt.Printf("[%s] <- %s\n", ts, string(data))
		}
	}
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}
