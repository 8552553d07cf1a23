package display

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"framecast/internal"
)

const previewPage = `<!doctype html>
<html><head><title>%s</title></head>
<body style="margin:0;background:#111">
<img id="f" style="display:block;margin:auto;max-width:100%%">
<script>
const img = document.getElementById("f");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.binaryType = "blob";
ws.onmessage = (ev) => {
  const url = URL.createObjectURL(ev.data);
  img.onload = () => URL.revokeObjectURL(url);
  img.src = url;
};
</script>
</body></html>`

// Preview is a Display that pushes every image as a JPEG over websocket
// to any browser viewing its page. Slow viewers skip frames.
type Preview struct {
	Quality int

	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	title   string
	viewers map[*viewer]struct{}
	closed  bool
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// NewPreview starts serving on addr immediately.
func NewPreview(addr string) (*Preview, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("preview listen %s: %w", addr, err)
	}
	p := &Preview{
		Quality: 80,
		ln:      ln,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: make(map[*viewer]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handlePage)
	mux.HandleFunc("/ws", p.handleWS)
	p.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := p.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("preview server stopped", internal.Fields{internal.FieldError: err.Error()})
		}
	}()
	internal.Info("preview available", internal.Fields{internal.FieldAddr: "http://" + ln.Addr().String()})
	return p, nil
}

// Addr is the bound address.
func (p *Preview) Addr() net.Addr { return p.ln.Addr() }

func (p *Preview) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	p.mu.Lock()
	title := p.title
	p.mu.Unlock()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, previewPage, title)
}

func (p *Preview) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	v := &viewer{conn: conn, send: make(chan []byte, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.viewers[v] = struct{}{}
	count := len(p.viewers)
	p.mu.Unlock()
	internal.Debug("preview viewer joined", internal.Fields{internal.FieldPeer: r.RemoteAddr, internal.FieldCount: count})

	go p.drainReads(v)
	p.writeLoop(v)
}

// drainReads consumes control frames so close messages are noticed.
func (p *Preview) drainReads(v *viewer) {
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			p.drop(v)
			return
		}
	}
}

func (p *Preview) writeLoop(v *viewer) {
	defer p.drop(v)
	for msg := range v.send {
		_ = v.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := v.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
}

func (p *Preview) drop(v *viewer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.viewers[v]; !ok {
		return
	}
	delete(p.viewers, v)
	close(v.send)
	v.conn.Close()
}

// Viewers returns the number of connected browsers.
func (p *Preview) Viewers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.viewers)
}

func (p *Preview) Show(img image.Image, title string) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.Quality}); err != nil {
		return err
	}
	msg := buf.Bytes()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	for v := range p.viewers {
		select {
		case v.send <- msg:
		default:
			// Replace the stale pending frame.
			select {
			case <-v.send:
			default:
			}
			select {
			case v.send <- msg:
			default:
			}
		}
	}
	return nil
}

func (p *Preview) PollQuit() bool { return false }

func (p *Preview) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for v := range p.viewers {
		delete(p.viewers, v)
		close(v.send)
		v.conn.Close()
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.srv.Shutdown(ctx)
}
