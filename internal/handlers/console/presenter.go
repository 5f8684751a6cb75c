package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"peercall/internal/core/domain"
	"peercall/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Presenter implements ports.Presenter for a terminal. Surface changes are
// logged; chat lines and user facing errors are also written to out.
type Presenter struct {
	mu     sync.Mutex
	out    io.Writer
	logger *zap.SugaredLogger

	surfaces  map[domain.Surface]string
	indicator webrtc.PeerConnectionState
	shareable bool
}

func NewPresenter(out io.Writer, logger *zap.SugaredLogger) *Presenter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Presenter{
		out:       out,
		logger:    logger.With("component", "presenter"),
		surfaces:  make(map[domain.Surface]string),
		shareable: true,
	}
}

func (p *Presenter) RenderLocalVideo(stream domain.MediaStream) {
	p.show(domain.SurfaceLocalCamera, stream)
}

func (p *Presenter) RenderRemoteVideo(stream domain.MediaStream) {
	p.show(domain.SurfaceRemoteCamera, stream)
}

func (p *Presenter) RenderScreenShare(stream domain.MediaStream) {
	p.show(domain.SurfaceScreenShare, stream)
	p.printf("* peer is sharing their screen\n")
}

func (p *Presenter) AttachAudio(stream domain.MediaStream) {
	p.show(domain.SurfaceAudioSink, stream)
}

func (p *Presenter) Deactivate(surface domain.Surface) {
	p.mu.Lock()
	_, active := p.surfaces[surface]
	delete(p.surfaces, surface)
	p.mu.Unlock()

	if !active {
		return
	}
	p.logger.Infow("Surface cleared", "surface", surface)
	if surface == domain.SurfaceScreenShare {
		p.printf("* peer stopped sharing\n")
	}
}

func (p *Presenter) AppendChatLine(author, text string) {
	p.printf("%s: %s\n", author, text)
}

func (p *Presenter) SetConnectionIndicator(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.indicator = state
	p.mu.Unlock()

	p.logger.Infow("Connection indicator", "state", state)
	p.printf("* %s\n", state)
}

func (p *Presenter) SetScreenShareAvailable(available bool) {
	p.mu.Lock()
	p.shareable = available
	p.mu.Unlock()
	p.logger.Debugw("Screen share availability", "available", available)
}

func (p *Presenter) ReportError(err error) {
	code := errors.CodeOf(err)
	msg := err.Error()
	if appErr := errors.GetAppError(err); appErr != nil {
		msg = appErr.Message
	}
	p.logger.Warnw("Reported to user", "code", code, "error", err)
	p.printf("! [%s] %s\n", code, msg)
}

// Active returns the stream shown on surface, if any
func (p *Presenter) Active(surface domain.Surface) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.surfaces[surface]
	return id, ok
}

func (p *Presenter) Indicator() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indicator
}

func (p *Presenter) ScreenShareAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shareable
}

func (p *Presenter) show(surface domain.Surface, stream domain.MediaStream) {
	p.mu.Lock()
	p.surfaces[surface] = stream.ID
	p.mu.Unlock()

	p.logger.Infow("Surface showing stream",
		"surface", surface,
		"stream_id", stream.ID,
		"tracks", strings.Join(stream.TrackIDs, ","),
	)
}

func (p *Presenter) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}
