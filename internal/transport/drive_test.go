package transport

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/brporter/clipssh/internal/protocol"
)

// fakeDrive is an in-memory Drive files backend implementing just the
// surface the transport touches: list by name, create, download with ETag,
// and update guarded by If-Match.
type fakeDrive struct {
	mu      sync.Mutex
	nextID  int
	files   map[string]*fakeFile // id -> file
	updates int
	races   int
}

type fakeFile struct {
	name    string
	content []byte
	version int
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: make(map[string]*fakeFile)}
}

var nameRe = regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`)

func (f *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()
	files := func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			f.list(w, r)
		case http.MethodPost:
			f.create(w, r)
		default:
			http.Error(w, "method", http.StatusMethodNotAllowed)
		}
	}
	file := func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		switch r.Method {
		case http.MethodGet:
			f.download(w, r, id)
		case http.MethodPatch:
			f.update(w, r, id)
		default:
			http.Error(w, "method", http.StatusMethodNotAllowed)
		}
	}
	mux.HandleFunc("/files", files)
	mux.HandleFunc("/files/", file)
	// Creates and updates that carry content go to the media upload path.
	mux.HandleFunc("/upload/drive/v3/files", files)
	mux.HandleFunc("/upload/drive/v3/files/", file)
	return mux
}

func (f *fakeDrive) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query().Get("q")
	var entries []string
	for id, file := range f.files {
		if strings.Contains(q, "'"+file.name+"'") {
			entries = append(entries, fmt.Sprintf(`{"id":%q,"name":%q}`, id, file.name))
		}
	}
	fmt.Fprintf(w, `{"files":[%s]}`, strings.Join(entries, ","))
}

func (f *fakeDrive) create(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m := nameRe.FindSubmatch(body)
	if m == nil {
		http.Error(w, "no name", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("file-%d", f.nextID)
	f.files[id] = &fakeFile{name: string(m[1])}
	f.mu.Unlock()
	fmt.Fprintf(w, `{"id":%q}`, id)
}

func (f *fakeDrive) download(w http.ResponseWriter, r *http.Request, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`"v%d"`, file.version))
	w.Write(file.content)
}

// update honors If-Match against the file version, answering 412 on a
// stale precondition the way Drive does.
func (f *fakeDrive) update(w http.ResponseWriter, r *http.Request, id string) {
	media, err := mediaPayload(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" {
		if match != fmt.Sprintf(`"v%d"`, file.version) {
			f.races++
			http.Error(w, `{"error":{"code":412}}`, http.StatusPreconditionFailed)
			return
		}
	}
	file.content = media
	file.version++
	f.updates++
	fmt.Fprint(w, `{}`)
}

// mediaPayload extracts the media bytes from either a raw or a
// multipart/related upload.
func mediaPayload(r *http.Request) ([]byte, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return io.ReadAll(r.Body)
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var last []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return nil, err
		}
		last, err = io.ReadAll(part)
		if err != nil {
			return nil, err
		}
	}
}

func driveService(t *testing.T, url string) *drive.Service {
	t.Helper()
	srv, err := drive.NewService(context.Background(),
		option.WithEndpoint(url),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("drive.NewService: %v", err)
	}
	return srv
}

func driveTransport(t *testing.T, url, out, in string) *DriveTransport {
	t.Helper()
	tr, err := NewDriveTransport(driveService(t, url), DriveConfig{
		OutFile: out,
		InFile:  in,
		Poll:    20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewDriveTransport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// TestDriveTransport_SendRecv verifies an appended envelope is tailed by
// the peer through the shared appData files.
func TestDriveTransport_SendRecv(t *testing.T) {
	fake := newFakeDrive()
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	client := driveTransport(t, ts.URL, DriveLogC2S, DriveLogS2C)
	server := driveTransport(t, ts.URL, DriveLogS2C, DriveLogC2S)

	env, err := protocol.NewEnvelope(protocol.ProtocolGit, protocol.KindConnectReq, "", protocol.SourceClient, 0, protocol.ConnectReqBody{Source: "client"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := client.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := server.Recv(5 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got == nil || got.MsgID != env.MsgID {
		t.Fatalf("got %+v, want msg_id %s", got, env.MsgID)
	}
}

// TestDriveTransport_ConcurrentAppendCAS verifies two writers appending to
// the same log both land after ETag retries and no line is corrupted at a
// boundary.
func TestDriveTransport_ConcurrentAppendCAS(t *testing.T) {
	fake := newFakeDrive()
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	// Both peers deliberately write the same file.
	w1 := driveTransport(t, ts.URL, DriveLogC2S, DriveLogS2C)
	w2 := driveTransport(t, ts.URL, DriveLogC2S, DriveLogS2C)

	mk := func(seq int64) *protocol.Envelope {
		env, err := protocol.NewEnvelope(protocol.ProtocolGit, protocol.KindPtyInput, "s", protocol.SourceClient, seq, protocol.StreamBody{Data: []byte("x")})
		if err != nil {
			t.Fatalf("NewEnvelope: %v", err)
		}
		return env
	}
	const per = 5
	for i := 0; i < per; i++ {
		if err := w1.Send(mk(int64(i))); err != nil {
			t.Fatalf("w1 Send: %v", err)
		}
		if err := w2.Send(mk(int64(i))); err != nil {
			t.Fatalf("w2 Send: %v", err)
		}
	}

	// Wait until all appends landed.
	deadline := time.Now().Add(10 * time.Second)
	var content []byte
	for {
		fake.mu.Lock()
		for _, f := range fake.files {
			if f.name == DriveLogC2S {
				content = append([]byte(nil), f.content...)
			}
		}
		fake.mu.Unlock()
		lines := strings.Count(string(content), "\n")
		if lines == 2*per {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d lines landed", lines, 2*per)
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, line := range strings.Split(strings.TrimSpace(string(content)), "\n") {
		if _, err := protocol.ParseLogLine(line); err != nil {
			t.Errorf("corrupted log line %q: %v", line, err)
		}
	}
}

// TestDriveTransport_TruncationResetsOffset verifies a shrunken log file
// resets the read offset instead of slicing out of range.
func TestDriveTransport_TruncationResetsOffset(t *testing.T) {
	fake := newFakeDrive()
	ts := httptest.NewServer(fake.handler())
	defer ts.Close()

	client := driveTransport(t, ts.URL, DriveLogC2S, DriveLogS2C)
	server := driveTransport(t, ts.URL, DriveLogS2C, DriveLogC2S)

	env, err := protocol.NewEnvelope(protocol.ProtocolGit, protocol.KindPtyInput, "s", protocol.SourceClient, 0, protocol.StreamBody{Data: []byte("x")})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := client.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got, recvErr := server.Recv(5 * time.Second); recvErr != nil || got == nil {
		t.Fatalf("Recv = (%v, %v)", got, recvErr)
	}

	// Truncate the c2s log behind the server's back.
	fake.mu.Lock()
	for _, f := range fake.files {
		if f.name == DriveLogC2S {
			f.content = nil
			f.version++
		}
	}
	fake.mu.Unlock()

	// The next polls must neither panic nor error the transport.
	if got, recvErr := server.Recv(300 * time.Millisecond); recvErr != nil {
		t.Fatalf("Recv after truncation: (%v, %v)", got, recvErr)
	}
}
