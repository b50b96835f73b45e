package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/brporter/clipssh/internal/protocol"
	"github.com/brporter/clipssh/internal/session"
)

// Branch names of the two append logs.
const (
	GitBranchC2S = "gitssh2-c2s"
	GitBranchS2C = "gitssh2-s2c"
)

const (
	gitFrameFile       = "frame.json"
	gitCursorPrefix    = "refs/clipssh/cursor/"
	defaultGitSync     = 500 * time.Millisecond
	gitPushRetries     = 6
	gitBrokenThreshold = 10
)

// GitConfig tunes the git transport. OutBranch carries our envelopes,
// InBranch the peer's.
type GitConfig struct {
	UpstreamURL  string
	LocalRepo    string
	OutBranch    string
	InBranch     string
	SyncInterval time.Duration
}

func (c GitConfig) withDefaults() GitConfig {
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaultGitSync
	}
	return c
}

// GitTransport appends each envelope as one commit on its branch of a
// shared bare upstream repository and tails the peer's branch. Both peers
// keep local bare mirrors; the upstream is the only shared medium.
type GitTransport struct {
	cfg    GitConfig
	repo   *git.Repository
	dedup  *session.DedupWindow
	logger *slog.Logger

	outbound chan *protocol.Envelope
	inbound  chan *protocol.Envelope
	done     chan struct{}

	mu       sync.Mutex
	broken   error
	closed   bool
	failures int
	wg       sync.WaitGroup
}

// OpenGit opens (or initializes) the local bare mirror, points origin at
// the upstream, and starts the sync loop.
func OpenGit(cfg GitConfig, logger *slog.Logger) (*GitTransport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UpstreamURL == "" || cfg.LocalRepo == "" {
		return nil, fmt.Errorf("%w: git transport needs --upstream-url and --local-repo", ErrTransportSetup)
	}

	repo, err := git.PlainOpen(cfg.LocalRepo)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(cfg.LocalRepo, true)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open local mirror %s: %v", ErrTransportSetup, cfg.LocalRepo, err)
	}

	if remote, rerr := repo.Remote("origin"); rerr == nil {
		if len(remote.Config().URLs) == 0 || remote.Config().URLs[0] != cfg.UpstreamURL {
			repo.DeleteRemote("origin")
			if _, rerr = repo.CreateRemote(&config.RemoteConfig{
				Name: "origin",
				URLs: []string{cfg.UpstreamURL},
			}); rerr != nil {
				return nil, fmt.Errorf("%w: repoint origin: %v", ErrTransportSetup, rerr)
			}
		}
	} else {
		if _, rerr = repo.CreateRemote(&config.RemoteConfig{
			Name: "origin",
			URLs: []string{cfg.UpstreamURL},
		}); rerr != nil {
			return nil, fmt.Errorf("%w: add origin: %v", ErrTransportSetup, rerr)
		}
	}

	t := &GitTransport{
		cfg:      cfg,
		repo:     repo,
		dedup:    session.NewDedupWindow(0),
		logger:   logger,
		outbound: make(chan *protocol.Envelope, 256),
		inbound:  make(chan *protocol.Envelope, 256),
		done:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.syncLoop()
	return t, nil
}

func (t *GitTransport) Name() string {
	return fmt.Sprintf("git:%s (upstream=%s out=%s in=%s)",
		t.cfg.LocalRepo, t.cfg.UpstreamURL, t.cfg.OutBranch, t.cfg.InBranch)
}

func (t *GitTransport) Send(env *protocol.Envelope) error {
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

func (t *GitTransport) Recv(timeout time.Duration) (*protocol.Envelope, error) {
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

func (t *GitTransport) syncLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case env := <-t.outbound:
			if err := t.publish(env); err != nil {
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

// publish commits the envelope on the outbound branch and pushes. On a
// non-fast-forward rejection the local branch is reset to the upstream tip
// and the commit replayed on the fresh base; the commits are independent so
// there is nothing to merge.
func (t *GitTransport) publish(env *protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	delay := 50 * time.Millisecond
	for attempt := 0; attempt < gitPushRetries; attempt++ {
		if _, err := t.commitFrame(env, payload); err != nil {
			return err
		}
		err := t.push()
		if err == nil {
			t.logger.Debug("git send", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
			return nil
		}
		if !isNonFastForward(err) {
			return err
		}
		// Somebody else advanced the branch; restart from their tip.
		if ferr := t.fetchBranch(t.cfg.OutBranch); ferr != nil && !isMissingRemoteRef(ferr) {
			return ferr
		}
		time.Sleep(delay)
		if delay < 500*time.Millisecond {
			delay *= 2
		}
	}
	return fmt.Errorf("push %s: conflicts persisted after %d attempts", t.cfg.OutBranch, gitPushRetries)
}

func (t *GitTransport) commitFrame(env *protocol.Envelope, payload []byte) (plumbing.Hash, error) {
	blob := t.repo.Storer.NewEncodedObject()
	blob.SetType(plumbing.BlobObject)
	w, err := blob.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	w.Close()
	blobHash, err := t.repo.Storer.SetEncodedObject(blob)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	tree := &object.Tree{Entries: []object.TreeEntry{{
		Name: gitFrameFile,
		Mode: filemode.Regular,
		Hash: blobHash,
	}}}
	treeObj := t.repo.Storer.NewEncodedObject()
	if err := tree.Encode(treeObj); err != nil {
		return plumbing.ZeroHash, err
	}
	treeHash, err := t.repo.Storer.SetEncodedObject(treeObj)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	sig := object.Signature{Name: "clipssh", Email: "clipssh@localhost", When: time.Now()}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   fmt.Sprintf("gitssh2 seq=%d msg_id=%s", env.Seq, env.MsgID),
		TreeHash:  treeHash,
	}
	if parent, err := t.branchTip(t.cfg.OutBranch); err == nil {
		commit.ParentHashes = []plumbing.Hash{parent}
	}
	commitObj := t.repo.Storer.NewEncodedObject()
	if err := commit.Encode(commitObj); err != nil {
		return plumbing.ZeroHash, err
	}
	commitHash, err := t.repo.Storer.SetEncodedObject(commitObj)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	ref := plumbing.NewHashReference(branchRef(t.cfg.OutBranch), commitHash)
	if err := t.repo.Storer.SetReference(ref); err != nil {
		return plumbing.ZeroHash, err
	}
	return commitHash, nil
}

func (t *GitTransport) push() error {
	spec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", t.cfg.OutBranch, t.cfg.OutBranch))
	err := t.repo.Push(&git.PushOptions{RemoteName: "origin", RefSpecs: []config.RefSpec{spec}})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (t *GitTransport) fetchBranch(branch string) error {
	spec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch))
	err := t.repo.Fetch(&git.FetchOptions{RemoteName: "origin", RefSpecs: []config.RefSpec{spec}, Force: true})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// pollInbound fetches the peer branch and walks commits newer than the
// persisted cursor, oldest first.
func (t *GitTransport) pollInbound() error {
	if err := t.fetchBranch(t.cfg.InBranch); err != nil {
		if isMissingRemoteRef(err) {
			return nil
		}
		return err
	}
	head, err := t.branchTip(t.cfg.InBranch)
	if err != nil {
		return nil
	}

	cursor := t.loadCursor()
	if cursor == head {
		return nil
	}

	var chain []plumbing.Hash
	for h := head; h != plumbing.ZeroHash && h != cursor; {
		chain = append(chain, h)
		commit, err := t.repo.CommitObject(h)
		if err != nil || len(commit.ParentHashes) == 0 {
			break
		}
		h = commit.ParentHashes[0]
	}

	for i := len(chain) - 1; i >= 0; i-- {
		env, err := t.frameAt(chain[i])
		if err != nil {
			t.logger.Debug("discarding unparseable git frame", "commit", chain[i].String(), "err", err)
			continue
		}
		if !t.dedup.Observe(env.MsgID) {
			continue
		}
		t.logger.Debug("git recv", "kind", env.Kind, "msg_id", env.MsgID, "seq", env.Seq)
		select {
		case t.inbound <- env:
		case <-t.done:
			return nil
		}
	}
	return t.storeCursor(head)
}

func (t *GitTransport) frameAt(h plumbing.Hash) (*protocol.Envelope, error) {
	commit, err := t.repo.CommitObject(h)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}
	f, err := tree.File(gitFrameFile)
	if err != nil {
		return nil, err
	}
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (t *GitTransport) branchTip(branch string) (plumbing.Hash, error) {
	ref, err := t.repo.Reference(branchRef(branch), true)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

func (t *GitTransport) loadCursor() plumbing.Hash {
	ref, err := t.repo.Reference(plumbing.ReferenceName(gitCursorPrefix+t.cfg.InBranch), true)
	if err != nil {
		return plumbing.ZeroHash
	}
	return ref.Hash()
}

func (t *GitTransport) storeCursor(h plumbing.Hash) error {
	ref := plumbing.NewHashReference(plumbing.ReferenceName(gitCursorPrefix+t.cfg.InBranch), h)
	return t.repo.Storer.SetReference(ref)
}

func branchRef(branch string) plumbing.ReferenceName {
	return plumbing.ReferenceName("refs/heads/" + branch)
}

func isNonFastForward(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "non-fast-forward")
}

func isMissingRemoteRef(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "couldn't find remote ref") ||
		strings.Contains(msg, "no such ref") ||
		strings.Contains(msg, "reference not found")
}

// noteFailure counts consecutive sync failures; the medium is declared
// broken only after they persist through backoff.
func (t *GitTransport) noteFailure(err error) {
	t.mu.Lock()
	t.failures++
	persistent := t.failures >= gitBrokenThreshold
	t.mu.Unlock()
	if persistent {
		t.markBroken(fmt.Errorf("%w: git sync: %v", ErrTransportBroken, err))
		return
	}
	t.logger.Debug("git sync failed, will retry", "err", err)
	time.Sleep(time.Duration(t.failures) * 100 * time.Millisecond)
}

func (t *GitTransport) noteSuccess() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}

func (t *GitTransport) markBroken(err error) {
	t.mu.Lock()
	if t.broken == nil && !t.closed {
		t.broken = err
		close(t.done)
	}
	t.mu.Unlock()
}

func (t *GitTransport) brokenErr() error {
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

func (t *GitTransport) brokenState() error {
	if err := t.brokenErr(); err != nil {
		return err
	}
	return ErrTransportBroken
}

func (t *GitTransport) Close() error {
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
