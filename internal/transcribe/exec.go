package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-copilot/internal/capture"
	"github.com/loqalabs/loqa-copilot/internal/config"
	"github.com/mattn/go-shellwords"
)

type execFactory struct {
	cmd    []string
	cfg    config.TranscriptionConfig
	logger *slog.Logger
}

// NewExecFactory builds sources that buffer stream audio, write it to a WAV
// file and run cfg.Command on it. The command prints
// {"text": ..., "confidence": ...} on stdout.
func NewExecFactory(cfg config.TranscriptionConfig, logger *slog.Logger) (Factory, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &execFactory{cmd: args, cfg: cfg, logger: logger.With(slog.String("component", "transcribe"))}, nil
}

func (f *execFactory) NewSource(stream capture.Stream, opts Options) (Source, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &execSource{
		cmd:          f.cmd,
		cfg:          f.cfg,
		opts:         opts,
		stream:       stream,
		logger:       f.logger,
		events:       make(chan Event, 32),
		ctx:          ctx,
		cancel:       cancel,
		sampleRate:   f.cfg.SampleRate,
		channels:     f.cfg.Channels,
		partialEvery: time.Duration(f.cfg.PartialEveryMS) * time.Millisecond,
		finalAfter:   time.Duration(f.cfg.FinalAfterMS) * time.Millisecond,
		maxRun:       time.Duration(f.cfg.MaxRunMS) * time.Millisecond,
	}
	if s.sampleRate <= 0 {
		s.sampleRate = 16000
	}
	if s.channels <= 0 {
		s.channels = 1
	}
	if s.finalAfter <= 0 {
		s.finalAfter = 4 * time.Second
	}
	return s, nil
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type execSource struct {
	cmd    []string
	cfg    config.TranscriptionConfig
	opts   Options
	stream capture.Stream
	logger *slog.Logger
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	partialEvery time.Duration
	finalAfter   time.Duration
	maxRun       time.Duration

	mu            sync.Mutex
	sampleRate    int
	channels      int
	running       bool
	stopped       bool
	streamEnded   bool
	readerStarted bool
	inflight      bool
	buf           []byte
	runStarted    time.Time
	lastPartial   time.Time
}

func (s *execSource) Events() <-chan Event { return s.events }

func (s *execSource) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return ErrSourceStopped
	case s.streamEnded:
		s.mu.Unlock()
		return ErrStreamEnded
	case s.running:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.running = true
	s.buf = nil
	s.runStarted = time.Now()
	s.lastPartial = s.runStarted
	if !s.readerStarted {
		s.readerStarted = true
		s.wg.Add(1)
		go s.read()
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventStarted})
	return nil
}

func (s *execSource) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *execSource) read() {
	defer s.wg.Done()
	frames := s.stream.Frames()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				s.onStreamEnded()
				return
			}
			s.onFrame(frame)
		}
	}
}

func (s *execSource) onFrame(frame capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if frame.SampleRate > 0 {
		s.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		s.channels = frame.Channels
	}
	s.buf = append(s.buf, frame.PCM...)
	if s.inflight {
		return
	}

	now := time.Now()
	switch {
	case s.buffered() >= s.finalAfter || frame.Final:
		s.scheduleLocked(true)
	case s.opts.InterimResults && s.partialEvery > 0 && now.Sub(s.lastPartial) >= s.partialEvery && len(s.buf) > 0:
		s.lastPartial = now
		s.scheduleLocked(false)
	}
}

func (s *execSource) onStreamEnded() {
	s.mu.Lock()
	s.streamEnded = true
	if !s.running || s.inflight {
		s.mu.Unlock()
		return
	}
	if len(s.buf) > 0 {
		s.scheduleLocked(true)
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	s.emit(Event{Kind: EventEnd})
}

func (s *execSource) buffered() time.Duration {
	bytesPerSecond := s.sampleRate * s.channels * 2
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(len(s.buf)) * time.Second / time.Duration(bytesPerSecond)
}

// scheduleLocked hands the buffered audio to a recognizer run. Final runs
// consume the buffer; interim runs copy it.
func (s *execSource) scheduleLocked(final bool) {
	var pcm []byte
	if final {
		pcm = s.buf
		s.buf = nil
	} else {
		pcm = append([]byte(nil), s.buf...)
	}
	endRun := final && (!s.opts.Continuous || s.streamEnded || (s.maxRun > 0 && time.Since(s.runStarted) >= s.maxRun))
	s.inflight = true
	rate, channels := s.sampleRate, s.channels

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := s.recognize(pcm, rate, channels, final)
		s.finish(result, err, final, endRun)
	}()
}

func (s *execSource) finish(result execResult, err error, final, endRun bool) {
	s.mu.Lock()
	s.inflight = false
	if !s.running {
		s.mu.Unlock()
		return
	}
	text := strings.TrimSpace(result.Text)
	var events []Event
	switch {
	case err != nil:
		s.logger.Warn("transcription command failed", slogError(err))
		s.running = false
		events = append(events, Event{Kind: EventError, Error: ErrorNetwork, Message: err.Error()}, Event{Kind: EventEnd})
	case final && text == "":
		s.running = false
		events = append(events, Event{Kind: EventError, Error: ErrorNoSpeech, Message: "no speech detected"}, Event{Kind: EventEnd})
	default:
		if text != "" {
			events = append(events, Event{Kind: EventResult, Results: []Utterance{{
				Text:       text,
				IsFinal:    final,
				Confidence: result.Confidence,
				Timestamp:  time.Now().UTC(),
			}}})
		}
		if endRun {
			s.running = false
			events = append(events, Event{Kind: EventEnd})
		} else if s.streamEnded {
			// stream closed while this run was inflight; flush what is left
			if len(s.buf) > 0 {
				s.scheduleLocked(true)
			} else {
				s.running = false
				events = append(events, Event{Kind: EventEnd})
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
}

func (s *execSource) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *execSource) recognize(pcm []byte, sampleRate, channels int, final bool) (execResult, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()

	file, err := os.CreateTemp("", "copilot_stt_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return execResult{}, err
	}

	args := append([]string{}, s.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if s.cfg.ModelPath != "" {
		args = append(args, "--model", s.cfg.ModelPath)
	}
	if s.opts.Language != "" {
		args = append(args, "--language", s.opts.Language)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, s.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("transcription command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return resp, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
