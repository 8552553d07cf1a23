package display

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"framecast/pkg/capture"
	"framecast/pkg/frame"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		img.Set(x, x, color.RGBA{255, 0, 0, 255})
	}
	return img
}

func TestSinkShowsDecodedFrames(t *testing.T) {
	payload, err := capture.JPEG{Quality: 90}.Encode(testImage())
	if err != nil {
		t.Fatal(err)
	}
	h := &Headless{}
	s := NewSink(capture.JPEG{}, h, "test")
	if err := s.HandleFrame(frame.New(1, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if h.Shown() != 1 {
		t.Fatalf("shown %d", h.Shown())
	}
}

func TestSinkRejectsGarbage(t *testing.T) {
	h := &Headless{}
	s := NewSink(capture.JPEG{}, h, "test")
	err := s.HandleFrame(frame.New(9, []byte("definitely not a jpeg")))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if h.Shown() != 0 {
		t.Fatalf("undecodable frame reached the display")
	}
	if s.PollQuit() {
		t.Fatalf("headless display never asks to quit")
	}
}

func TestStdinQuit(t *testing.T) {
	q := NewStdinQuit(strings.NewReader("hello\n  Q \n"))
	deadline := time.Now().Add(time.Second)
	for !q.PollQuit() {
		if time.Now().After(deadline) {
			t.Fatalf("quit line not detected")
		}
		time.Sleep(time.Millisecond)
	}

	idle := NewStdinQuit(strings.NewReader("nothing here\n"))
	time.Sleep(10 * time.Millisecond)
	if idle.PollQuit() {
		t.Fatalf("quit without a quit command")
	}
}

func TestPreviewPushesFrames(t *testing.T) {
	p, err := NewPreview("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	base := p.Addr().String()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(time.Second)
	for p.Viewers() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("viewer never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.Show(testImage(), "cam-1"); err != nil {
		t.Fatal(err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	kind, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage || len(msg) < 2 || msg[0] != 0xFF || msg[1] != 0xD8 {
		t.Fatalf("expected a binary JPEG message")
	}

	resp, err := http.Get("http://" + base + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "<title>cam-1</title>") {
		t.Fatalf("page does not carry the window title")
	}
}

func TestPreviewCloseDisconnectsViewers(t *testing.T) {
	p, err := NewPreview("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(context.Background(), "ws://"+p.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	for p.Viewers() != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("viewer still connected after close")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
