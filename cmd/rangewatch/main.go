// Rangewatch connects to a running rangefinder and prints each published
// detection set and engine event as it arrives.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-rangefinder/internal/httpc"
	"github.com/teslashibe/go-rangefinder/internal/log"
	"github.com/teslashibe/go-rangefinder/pkg/detection"
	"github.com/teslashibe/go-rangefinder/pkg/hub"
	"github.com/teslashibe/go-rangefinder/pkg/pipeline"
)

// reconnectDelay is the pause between connection attempts.
const reconnectDelay = time.Second

func main() {
	addr := flag.String("addr", "localhost:8090", "Rangefinder control server host:port")
	events := flag.Bool("events", true, "Also print notices and status changes")
	raw := flag.Bool("json", false, "Print raw envelopes instead of summaries")
	detect := flag.Bool("detect", false, "Request a single detection after connecting")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.Component("rangewatch")
	base := "http://" + *addr
	if st, err := fetchStatus(ctx, base); err != nil {
		logger.Warn("status unavailable", "addr", *addr, "error", err)
	} else {
		fmt.Println(st)
	}

	p := &printer{out: os.Stdout, raw: *raw}
	paths := []string{"/ws/detections"}
	if *events {
		paths = append(paths, "/ws/events")
	}

	var wg sync.WaitGroup
	for _, path := range paths {
		u := url.URL{Scheme: "ws", Host: *addr, Path: path}
		wg.Add(1)
		go func() {
			defer wg.Done()
			follow(ctx, u.String(), p)
		}()
	}

	if *detect {
		// Give the streams a moment to subscribe before the result is published.
		time.Sleep(200 * time.Millisecond)
		if err := requestDetect(ctx, base); err != nil {
			logger.Warn("detect request failed", "error", err)
		}
	}
	wg.Wait()
}

// follow keeps a stream open until ctx ends, reconnecting after failures.
func follow(ctx context.Context, u string, p *printer) {
	logger := log.Component("rangewatch").With("url", u)
	for {
		err := watch(ctx, u, p)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("stream lost, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// watch reads envelopes from one stream until it fails or ctx ends.
func watch(ctx context.Context, u string, p *printer) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := p.print(data); err != nil {
			return err
		}
	}
}

// printer renders envelopes as one line each. Safe for concurrent use.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	raw bool
}

func (p *printer) print(data []byte) error {
	line, err := p.format(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintln(p.out, line)
	return err
}

func (p *printer) format(data []byte) (string, error) {
	if p.raw {
		return string(data), nil
	}

	var env hub.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	ts := env.Time.Format("15:04:05.000")

	switch env.Kind {
	case hub.KindDetections:
		var r pipeline.Result
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return "", fmt.Errorf("decode detections: %w", err)
		}
		return ts + " " + formatResult(r), nil

	case hub.KindNotice:
		var n struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &n); err != nil {
			return "", fmt.Errorf("decode notice: %w", err)
		}
		return fmt.Sprintf("%s [notice] %s", ts, n.Message), nil

	case hub.KindStereoAvailability:
		var a struct {
			Available bool `json:"available"`
		}
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return "", fmt.Errorf("decode availability: %w", err)
		}
		return fmt.Sprintf("%s [stereo] available=%t", ts, a.Available), nil

	case hub.KindStatus:
		var s struct {
			Facing   string  `json:"facing"`
			Mode     string  `json:"mode"`
			DualShot string  `json:"dual_shot"`
			Key      string  `json:"calibration_key"`
			Scale    float64 `json:"calibration_scale"`
		}
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return "", fmt.Errorf("decode status: %w", err)
		}
		return fmt.Sprintf("%s [status] facing=%s mode=%s dual_shot=%s calibration=%s x%.2f",
			ts, s.Facing, s.Mode, s.DualShot, s.Key, s.Scale), nil
	}
	return fmt.Sprintf("%s [%s] %s", ts, env.Kind, env.Data), nil
}

// statusSummary is the part of the engine status worth printing.
type statusSummary struct {
	Facing   string  `json:"facing"`
	Mode     string  `json:"mode"`
	DualShot string  `json:"dual_shot"`
	Pair     string  `json:"pair"`
	Key      string  `json:"calibration_key"`
	Scale    float64 `json:"calibration_scale"`
}

func (s statusSummary) String() string {
	return fmt.Sprintf("[status] facing=%s mode=%s pair=%s dual_shot=%s calibration=%s x%.2f",
		s.Facing, s.Mode, s.Pair, s.DualShot, s.Key, s.Scale)
}

// fetchStatus reads the engine status over the control API.
func fetchStatus(ctx context.Context, base string) (statusSummary, error) {
	var s statusSummary
	err := httpc.GetJSON(ctx, base+"/api/status", &s)
	return s, err
}

// requestDetect asks the engine to process the next frame.
func requestDetect(ctx context.Context, base string) error {
	return httpc.DoJSON(ctx, http.MethodPost, base+"/api/detect", nil, nil)
}

func formatResult(r pipeline.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d camera=%s mode=%s depth=%s", r.Seq, r.CameraID, r.Mode, r.Depth)
	if r.DualShot {
		b.WriteString(" dual-shot")
	}
	fmt.Fprintf(&b, " objects=%d", len(r.Detections))
	dets := detection.Clone(r.Detections)
	detection.SortByDepth(dets)
	for i, d := range dets {
		sep := " | "
		if i > 0 {
			sep = ", "
		}
		b.WriteString(sep)
		fmt.Fprintf(&b, "%s %.2f", d.Label, d.Confidence)
		if v, ok := d.DepthValue(); ok {
			fmt.Fprintf(&b, " @ %.2f (%s)", v, d.DepthSource)
		}
	}
	return b.String()
}
