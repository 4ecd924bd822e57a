// Package bridge implements the HTTP bridge (§4.7): a browser-facing
// echo.Echo server that republishes a sender's WebFrame JPEGs as an MJPEG
// multipart stream and a sender's StreamAudio PCM as a chunked WAV
// stream.
package bridge

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const mjpegBoundary = "frame"

// viewer is one browser connection subscribed to a sender's media. Writes
// are best-effort: a viewer that blocks or errors is dropped, never
// allowed to stall the TCP/UDP core (§4.7).
type viewer struct {
	id   string
	w    http.ResponseWriter
	done chan struct{}
}

// Bridge holds per-user viewer registries and the last-known JPEG for each
// sender, guarded by a single mutex.
type Bridge struct {
	echo *echo.Echo

	mu          sync.Mutex
	mjpegViews  map[string][]*viewer
	audioViews  map[string][]*viewer
	lastJPEG    map[string][]byte
}

// New builds a Bridge and registers its routes.
func New() *Bridge {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[bridge] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	b := &Bridge{
		echo:       e,
		mjpegViews: map[string][]*viewer{},
		audioViews: map[string][]*viewer{},
		lastJPEG:   map[string][]byte{},
	}
	e.GET("/", b.handleIndex)
	e.GET("/mjpeg/:user", b.handleMJPEG)
	e.GET("/audio/:user", b.handleAudio)
	return b
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, addr string) {
	go func() {
		if err := b.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[bridge] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[bridge] shutdown: %v", err)
	}
}

func (b *Bridge) handleIndex(c echo.Context) error {
	user := c.QueryParam("user")
	if user == "" {
		user = "alice"
	}
	page := fmt.Sprintf(indexTemplate, user, user, user)
	return c.HTML(http.StatusOK, page)
}

const indexTemplate = `<!DOCTYPE html>
<html>
<head><title>vagabond viewer</title></head>
<body>
<form method="get" action="/"><input name="user" value="%s"><button>watch</button></form>
<img src="/mjpeg/%s" alt="screen share">
<audio src="/audio/%s" controls autoplay></audio>
</body>
</html>
`

// handleMJPEG registers the requesting socket as an mjpeg viewer of :user
// and blocks, flushing one multipart part per PushFrame call, until the
// client disconnects (§4.7).
func (b *Bridge) handleMJPEG(c echo.Context) error {
	user := c.Param("user")
	if user == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing user")
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.WriteHeader(http.StatusOK)

	v := &viewer{id: c.RealIP() + ":" + uuid.NewString(), w: w, done: make(chan struct{})}
	if last, ok := b.addMJPEGViewer(user, v); ok {
		if err := writeMJPEGPart(w, last); err == nil {
			w.Flush()
		}
	}
	log.Printf("[bridge] %s watching %s (mjpeg)", v.id, user)
	defer func() {
		b.removeMJPEGViewer(user, v)
		log.Printf("[bridge] %s stopped watching %s (mjpeg)", v.id, user)
	}()

	select {
	case <-c.Request().Context().Done():
	case <-v.done:
	}
	return nil
}

func (b *Bridge) addMJPEGViewer(user string, v *viewer) (lastJPEG []byte, hasLast bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mjpegViews[user] = append(b.mjpegViews[user], v)
	last, ok := b.lastJPEG[user]
	return last, ok
}

func (b *Bridge) removeMJPEGViewer(user string, v *viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mjpegViews[user] = removeViewer(b.mjpegViews[user], v)
}

func writeMJPEGPart(w http.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}

// riffHeader is the fixed 44-byte RIFF/WAVE header declaring 48 kHz,
// 16-bit, stereo PCM with an unbounded size (0xFFFFFFFF in both size
// fields, per §4.7 — this stream never has a known final length).
func riffHeader() []byte {
	const (
		sampleRate    = 48000
		bitsPerSample = 16
		channels      = 2
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	h := make([]byte, 44)
	copy(h[0:4], "RIFF")
	putLE32(h[4:8], 0xFFFFFFFF)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	putLE32(h[16:20], 16)
	putLE16(h[20:22], 1) // PCM
	putLE16(h[22:24], channels)
	putLE32(h[24:28], sampleRate)
	putLE32(h[28:32], uint32(byteRate))
	putLE16(h[32:34], uint16(blockAlign))
	putLE16(h[34:36], bitsPerSample)
	copy(h[36:40], "data")
	putLE32(h[40:44], 0xFFFFFFFF)
	return h
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// handleAudio registers the requesting socket as an audio viewer of :user
// and streams the RIFF header followed by every PCM chunk pushed by the
// StreamAudio path (§4.7), chunked-encoded by net/http's own writer.
func (b *Bridge) handleAudio(c echo.Context) error {
	user := c.Param("user")
	if user == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing user")
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "audio/wav")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	w.Write(riffHeader())
	w.Flush()

	v := &viewer{id: c.RealIP() + ":" + uuid.NewString(), w: w, done: make(chan struct{})}
	b.addAudioViewer(user, v)
	log.Printf("[bridge] %s listening to %s (audio)", v.id, user)
	defer func() {
		b.removeAudioViewer(user, v)
		log.Printf("[bridge] %s stopped listening to %s (audio)", v.id, user)
	}()

	select {
	case <-c.Request().Context().Done():
	case <-v.done:
	}
	return nil
}

func (b *Bridge) addAudioViewer(user string, v *viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audioViews[user] = append(b.audioViews[user], v)
}

func (b *Bridge) removeAudioViewer(user string, v *viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.audioViews[user] = removeViewer(b.audioViews[user], v)
}

func removeViewer(list []*viewer, target *viewer) []*viewer {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// PushFrame updates the last-known JPEG for username and flushes one
// multipart part to every current mjpeg viewer (dispatcher.MediaSink).
func (b *Bridge) PushFrame(username string, jpeg []byte) {
	b.mu.Lock()
	b.lastJPEG[username] = jpeg
	viewers := append([]*viewer(nil), b.mjpegViews[username]...)
	b.mu.Unlock()

	for _, v := range viewers {
		if err := writeMJPEGPart(v.w, jpeg); err != nil {
			b.removeMJPEGViewer(username, v)
			close(v.done)
			continue
		}
		flushViewer(v)
	}
}

// PushAudio emits pcm as one chunk to every current audio viewer of
// username (dispatcher.MediaSink). net/http's chunked transfer writer
// does the hex-length framing.
func (b *Bridge) PushAudio(username string, pcm []byte) {
	b.mu.Lock()
	viewers := append([]*viewer(nil), b.audioViews[username]...)
	b.mu.Unlock()

	for _, v := range viewers {
		if _, err := v.w.Write(pcm); err != nil {
			b.removeAudioViewer(username, v)
			close(v.done)
			continue
		}
		flushViewer(v)
	}
}

// flushViewer flushes w if it supports http.Flusher.
func flushViewer(v *viewer) {
	if f, ok := v.w.(http.Flusher); ok {
		f.Flush()
	}
}
