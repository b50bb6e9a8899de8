package engine

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config tunes the worker pool. The RTC port range is sliced evenly
// across workers.
type Config struct {
	Workers     int
	RTCMinPort  uint16
	RTCMaxPort  uint16
	AnnouncedIP string
	LogTags     []string
}

// Binding owns the media-engine worker pool for the whole process.
// It is constructed once at the process root and passed down; workers
// start lazily on the first router request.
type Binding struct {
	cfg    Config
	logger *zap.Logger

	initOnce sync.Once
	initErr  error
	workers  []*Worker
	next     atomic.Uint64

	fatalMu sync.Mutex
	onFatal func(error)
	closed  atomic.Bool
}

func NewBinding(cfg Config, logger *zap.Logger) *Binding {
	return &Binding{cfg: cfg, logger: logger}
}

// OnFatal registers the handler invoked when a worker dies. All router
// contexts become invalid at that point, so the handler is expected to
// terminate the process after a short grace delay.
func (b *Binding) OnFatal(fn func(error)) {
	b.fatalMu.Lock()
	b.onFatal = fn
	b.fatalMu.Unlock()
}

func (b *Binding) fatal(err error) {
	b.fatalMu.Lock()
	fn := b.onFatal
	b.fatalMu.Unlock()

	b.logger.Error("Media engine worker died", zap.Error(err))
	if fn != nil {
		fn(err)
	}
}

func (b *Binding) init() {
	workers := b.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	span := (b.cfg.RTCMaxPort - b.cfg.RTCMinPort + 1) / uint16(workers)
	if span == 0 {
		b.initErr = fmt.Errorf("rtc port range %d-%d too small for %d workers",
			b.cfg.RTCMinPort, b.cfg.RTCMaxPort, workers)
		return
	}

	for i := 0; i < workers; i++ {
		min := b.cfg.RTCMinPort + uint16(i)*span
		max := min + span - 1
		w, err := newWorker(i, min, max, b)
		if err != nil {
			b.initErr = fmt.Errorf("start worker %d: %w", i, err)
			return
		}
		b.workers = append(b.workers, w)
		b.logger.Info("Media engine worker started",
			zap.Int("worker", i),
			zap.Uint16("rtcMinPort", min),
			zap.Uint16("rtcMaxPort", max),
			zap.Strings("logTags", b.cfg.LogTags),
		)
	}
}

// Router creates a fresh router capability context on the next worker.
// Each room owns exactly one router for its lifetime.
func (b *Binding) Router() (*Router, error) {
	b.initOnce.Do(b.init)
	if b.initErr != nil {
		return nil, b.initErr
	}
	if b.closed.Load() {
		return nil, fmt.Errorf("engine binding is closed")
	}
	w := b.workers[b.next.Add(1)%uint64(len(b.workers))]
	return newRouter(w, b.cfg.AnnouncedIP, b.logger), nil
}

// Close stops all workers. Routers handed out earlier become unusable.
func (b *Binding) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range b.workers {
		w.close()
	}
}

// transportMaterial is what a worker mints per transport: everything the
// client needs to complete ICE/DTLS negotiation.
type transportMaterial struct {
	ice        webrtc.ICEParameters
	candidates []webrtc.ICECandidate
	dtls       webrtc.DTLSParameters
}

type materialRequest struct {
	announcedIP string
	reply       chan materialResult
}

type materialResult struct {
	material transportMaterial
	err      error
}

// Worker is one engine worker. Requests are served by a dedicated
// goroutine so a worker has a real lifecycle: a panic in its loop is a
// worker death and escalates through Binding.OnFatal.
type Worker struct {
	id       int
	portMin  uint16
	portMax  uint16
	nextPort uint32
	cert     *webrtc.Certificate

	requests chan materialRequest
	quit     chan struct{}
	quitOnce sync.Once
	dead     atomic.Bool
}

func newWorker(id int, portMin, portMax uint16, b *Binding) (*Worker, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dtls key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate dtls certificate: %w", err)
	}

	w := &Worker{
		id:       id,
		portMin:  portMin,
		portMax:  portMax,
		nextPort: uint32(portMin),
		cert:     cert,
		requests: make(chan materialRequest),
		quit:     make(chan struct{}),
	}
	go w.run(b)
	return w, nil
}

func (w *Worker) run(b *Binding) {
	defer func() {
		if r := recover(); r != nil {
			w.dead.Store(true)
			w.close()
			b.fatal(fmt.Errorf("worker %d: %v", w.id, r))
		}
	}()

	for {
		select {
		case <-w.quit:
			return
		case req := <-w.requests:
			material, err := w.mint(req.announcedIP)
			req.reply <- materialResult{material: material, err: err}
		}
	}
}

func (w *Worker) mint(announcedIP string) (transportMaterial, error) {
	ufrag, err := randomHex(8)
	if err != nil {
		return transportMaterial{}, err
	}
	pwd, err := randomHex(16)
	if err != nil {
		return transportMaterial{}, err
	}
	fingerprints, err := w.cert.GetFingerprints()
	if err != nil {
		return transportMaterial{}, fmt.Errorf("dtls fingerprints: %w", err)
	}

	port := w.allocatePort()
	if announcedIP == "" {
		announcedIP = "127.0.0.1"
	}

	return transportMaterial{
		ice: webrtc.ICEParameters{
			UsernameFragment: ufrag,
			Password:         pwd,
			ICELite:          true,
		},
		candidates: []webrtc.ICECandidate{{
			Foundation: "udpcandidate",
			Priority:   2130706431,
			Address:    announcedIP,
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       port,
			Component:  1,
			Typ:        webrtc.ICECandidateTypeHost,
		}},
		dtls: webrtc.DTLSParameters{
			Role:         webrtc.DTLSRoleAuto,
			Fingerprints: fingerprints,
		},
	}, nil
}

// allocatePort cycles through the worker's slice of the RTC port range.
func (w *Worker) allocatePort() uint16 {
	span := uint32(w.portMax-w.portMin) + 1
	n := atomic.AddUint32(&w.nextPort, 1) - 1
	return w.portMin + uint16((n-uint32(w.portMin))%span)
}

func (w *Worker) mintTransportMaterial(announcedIP string) (transportMaterial, error) {
	if w.dead.Load() {
		return transportMaterial{}, fmt.Errorf("worker %d is dead", w.id)
	}
	reply := make(chan materialResult, 1)
	select {
	case w.requests <- materialRequest{announcedIP: announcedIP, reply: reply}:
	case <-w.quit:
		return transportMaterial{}, fmt.Errorf("worker %d is closed", w.id)
	}
	select {
	case res := <-reply:
		return res.material, res.err
	case <-w.quit:
		return transportMaterial{}, fmt.Errorf("worker %d died mid-request", w.id)
	}
}

func (w *Worker) close() {
	w.quitOnce.Do(func() { close(w.quit) })
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
