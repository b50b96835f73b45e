package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
)

// Drive log file names, one per direction.
const (
	DriveLogC2S = "gitssh2-c2s.log"
	DriveLogS2C = "gitssh2-s2c.log"
)

const (
	defaultDrivePoll    = time.Second
	driveAppendRetries  = 5
	driveBrokenFailures = 10
)

// DriveConfig tunes the Google Drive transport. OutFile carries our
// envelopes, InFile the peer's.
type DriveConfig struct {
	ClientSecretsPath string
	TokenPath         string
	OutFile           string
	InFile            string
	Poll              time.Duration
}

func (c DriveConfig) withDefaults() DriveConfig {
	if c.TokenPath == "" {
		c.TokenPath = DefaultDriveTokenPath
	}
	if c.Poll <= 0 {
		c.Poll = defaultDrivePoll
	}
	return c
}

// DriveTransport appends envelopes as base64 lines to a log file in the
// Drive appDataFolder and tails the peer's file from a byte offset.
// Appends use files.get + files.update guarded by the file ETag, retried
// on 412, which approximates compare-and-swap on a medium with no native
// append.
type DriveTransport struct {
	cfg    DriveConfig
	srv    *drive.Service
	dedup  *session.DedupWindow
	logger *slog.Logger

	outbound chan *protocol.Envelope
	inbound  chan *protocol.Envelope
	done     chan struct{}

	outFileID string
	inFileID  string

	mu       sync.Mutex
	offset   int64
	broken   error
	closed   bool
	failures int
	wg       sync.WaitGroup
}

// OpenDrive authenticates, ensures both log files exist, and starts the
// sync loop.
func OpenDrive(ctx context.Context, cfg DriveConfig, logger *slog.Logger) (*DriveTransport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientSecretsPath == "" {
		return nil, fmt.Errorf("%w: drive transport needs --drive-client-secrets", ErrTransportSetup)
	}

	ts, err := DriveTokenSource(ctx, cfg.ClientSecretsPath, cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportSetup, err)
	}
	srv, err := drive.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("%w: drive service: %v", ErrTransportSetup, err)
	}
	return NewDriveTransport(srv, cfg, logger)
}

// NewDriveTransport runs the transport over an already built Drive
// service.
func NewDriveTransport(srv *drive.Service, cfg DriveConfig, logger *slog.Logger) (*DriveTransport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	t := &DriveTransport{
		cfg:      cfg,
		srv:      srv,
		dedup:    session.NewDedupWindow(0),
		logger:   logger,
		outbound: make(chan *protocol.Envelope, 256),
		inbound:  make(chan *protocol.Envelope, 256),
		done:     make(chan struct{}),
	}
	var err error
	if t.outFileID, err = t.ensureFile(cfg.OutFile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportSetup, err)
	}
	if t.inFileID, err = t.ensureFile(cfg.InFile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportSetup, err)
	}

	t.wg.Add(1)
	go t.syncLoop()
	return t, nil
}

func (t *DriveTransport) Name() string {
	return fmt.Sprintf("google-drive:out=%s,in=%s", t.cfg.OutFile, t.cfg.InFile)
}

func (t *DriveTransport) Send(env *protocol.Envelope) error {
	if err := t.brokenErr(); err != nil {
		return err
	}
	select {
	case t.outbound <- env:
		return nil
	case <-t.done:
		return t.brokenState()
	}
}

func (t *DriveTransport) Recv(timeout time.Duration) (*protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-t.inbound:
		return env, nil
	case <-t.done:
		return nil, t.brokenState()
	case <-timer.C:
		return nil, nil
	}
}

func (t *DriveTransport) ensureFile(name string) (string, error) {
	safe := strings.ReplaceAll(name, "'", "\\'")
	list, err := t.srv.Files.List().
		Spaces("appDataFolder").
		Q(fmt.Sprintf("name = '%s' and trashed = false", safe)).
		Fields("files(id,name)").
		Do()
	if err != nil {
		return "", fmt.Errorf("list appData files: %w", err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}
	created, err := t.srv.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{"appDataFolder"},
	}).Media(bytes.NewReader(nil)).Fields("id").Do()
	if err != nil {
		return "", fmt.Errorf("create appData file %s: %w", name, err)
	}
	return created.Id, nil
}

func (t *DriveTransport) syncLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case env := <-t.outbound:
			if err := t.append(env); err != nil {
				t.noteFailure(err)
			} else {
				t.noteSuccess()
			}
		case <-ticker.C:
			if err := t.pollInbound(); err != nil {
				t.noteFailure(err)
			} else {
				t.noteSuccess()
			}
		}
	}
}

// download returns the file content and its ETag.
func (t *DriveTransport) download(fileID string) ([]byte, string, error) {
	resp, err := t.srv.Files.Get(fileID).Download()
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("ETag"), nil
}

// append reads the current content and writes back content+line, with the
// read ETag as precondition. A concurrent writer trips a 412 and we
// re-read; both appends survive (scenario: two writers, one retry each).
func (t *DriveTransport) append(env *protocol.Envelope) error {
	line, err := protocol.LogLine(env)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < driveAppendRetries; attempt++ {
		current, etag, err := t.download(t.outFileID)
		if err != nil {
			return err
		}
		next := append(current, []byte(line)...)
		call := t.srv.Files.Update(t.outFileID, &drive.File{}).Media(bytes.NewReader(next))
		if etag != "" {
			call.Header().Set("If-Match", etag)
		}
		_, err = call.Do()
		if err == nil {
			t.logger.Debug("drive send", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
			return nil
		}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			t.logger.Debug("drive append lost CAS race, retrying")
			continue
		}
		return err
	}
	return fmt.Errorf("append to %s: precondition failures persisted", t.cfg.OutFile)
}

// pollInbound reads the peer log from the last offset. A size shrink means
// the file was truncated; the offset resets and the dedup window absorbs
// any replayed lines.
func (t *DriveTransport) pollInbound() error {
	data, _, err := t.download(t.inFileID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	offset := t.offset
	if int64(len(data)) < offset {
		offset = 0
	}
	t.mu.Unlock()

	chunk := data[offset:]
	consumed := int64(0)
	for {
		nl := bytes.IndexByte(chunk, '\n')
		if nl < 0 {
			break
		}
		line := string(chunk[:nl])
		chunk = chunk[nl+1:]
		consumed += int64(nl + 1)

		env, err := protocol.ParseLogLine(line)
		if err != nil {
			t.logger.Debug("discarding unparseable drive line", "err", err)
			continue
		}
		if !t.dedup.Observe(env.MsgID) {
			continue
		}
		t.logger.Debug("drive recv", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
		select {
		case t.inbound <- env:
		case <-t.done:
			return nil
		}
	}

	t.mu.Lock()
	t.offset = offset + consumed
	t.mu.Unlock()
	return nil
}

func (t *DriveTransport) noteFailure(err error) {
	t.mu.Lock()
	t.failures++
	persistent := t.failures >= driveBrokenFailures
	t.mu.Unlock()
	if persistent {
		t.markBroken(fmt.Errorf("%w: drive sync: %v", ErrTransportBroken, err))
		return
	}
	t.logger.Debug("drive sync failed, will retry", "err", err)
	time.Sleep(time.Duration(t.failures) * 200 * time.Millisecond)
}

func (t *DriveTransport) noteSuccess() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}

func (t *DriveTransport) markBroken(err error) {
	t.mu.Lock()
	if t.broken == nil && !t.closed {
		t.broken = err
		close(t.done)
	}
	t.mu.Unlock()
}

func (t *DriveTransport) brokenErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		return t.broken
	}
	if t.closed {
		return ErrTransportBroken
	}
	return nil
}

func (t *DriveTransport) brokenState() error {
	if err := t.brokenErr(); err != nil {
		return err
	}
	return ErrTransportBroken
}

func (t *DriveTransport) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		if t.broken == nil {
			close(t.done)
		}
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
