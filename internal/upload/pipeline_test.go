package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
)

type fakeStorage struct {
	uploads  []string
	url      string
	err      error
	lastType string
}

func (f *fakeStorage) UploadFile(ctx context.Context, localPath, destPath, contentType string) (string, error) {
	f.uploads = append(f.uploads, destPath)
	f.lastType = contentType
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, content string) error {
	f.sent = append(f.sent, content)
	return f.err
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, make([]byte, size), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func newPipeline(st *fakeStorage, sn *fakeSender) *Pipeline {
	n := 0
	return NewPipeline(Options{
		ConversationID: "conv-1",
		Storage:        st,
		Sender:         sn,
		NewID: func() string {
			n++
			return "up-1"
		},
	})
}

func TestUploadImageSendsTaggedContent(t *testing.T) {
	st := &fakeStorage{url: "https://cdn.example/attachments/conv-1/up-1.png"}
	sn := &fakeSender{}
	p := newPipeline(st, sn)

	path := writeFile(t, "photo.png", 1024)
	if err := p.UploadImage(context.Background(), path); err != nil {
		t.Fatalf("UploadImage() error = %v", err)
	}

	if len(st.uploads) != 1 || st.uploads[0] != "attachments/conv-1/up-1.png" {
		t.Errorf("uploads = %v", st.uploads)
	}
	if st.lastType != "image/png" {
		t.Errorf("content type = %s, want image/png", st.lastType)
	}
	if len(sn.sent) != 1 {
		t.Fatalf("sent = %v, want one message", sn.sent)
	}
	att := chat.ParseAttachment(sn.sent[0])
	if att == nil || att.Kind != chat.AttachmentImage || att.URL != st.url {
		t.Errorf("attachment = %+v", att)
	}
}

func TestUploadImageRejectsUnsupportedType(t *testing.T) {
	st := &fakeStorage{}
	sn := &fakeSender{}
	p := newPipeline(st, sn)

	path := writeFile(t, "notes.txt", 10)
	err := p.UploadImage(context.Background(), path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if len(st.uploads) != 0 {
		t.Error("unsupported file reached storage")
	}
}

func TestUploadImageRejectsOversize(t *testing.T) {
	st := &fakeStorage{}
	sn := &fakeSender{}
	p := newPipeline(st, sn)

	path := writeFile(t, "big.jpg", maxImageBytes+1)
	err := p.UploadImage(context.Background(), path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Reason, "exceeds") {
		t.Errorf("reason = %q", verr.Reason)
	}
	if len(st.uploads) != 0 {
		t.Error("oversize file reached storage")
	}
}

func TestUploadDocumentUsesBaseNameByDefault(t *testing.T) {
	st := &fakeStorage{url: "https://cdn.example/attachments/conv-1/up-1.pdf"}
	sn := &fakeSender{}
	p := newPipeline(st, sn)

	path := writeFile(t, "contract.pdf", 2048)
	if err := p.UploadDocument(context.Background(), path, ""); err != nil {
		t.Fatalf("UploadDocument() error = %v", err)
	}

	att := chat.ParseAttachment(sn.sent[0])
	if att == nil || att.Kind != chat.AttachmentDocument {
		t.Fatalf("attachment = %+v", att)
	}
	if att.Name != "contract.pdf" || att.URL != st.url {
		t.Errorf("attachment = %+v", att)
	}
}

func TestUploadStorageFailureIsTransferError(t *testing.T) {
	st := &fakeStorage{err: errors.New("bucket unavailable")}
	sn := &fakeSender{}
	p := newPipeline(st, sn)

	path := writeFile(t, "photo.jpg", 100)
	err := p.UploadImage(context.Background(), path)
	var terr *TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want TransferError", err)
	}
	if len(sn.sent) != 0 {
		t.Error("message sent despite failed upload")
	}
}

func TestUploadSendFailureIsTransferError(t *testing.T) {
	st := &fakeStorage{url: "https://cdn.example/x"}
	sn := &fakeSender{err: errors.New("send rejected")}
	p := newPipeline(st, sn)

	path := writeFile(t, "photo.jpg", 100)
	err := p.UploadImage(context.Background(), path)
	var terr *TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("error = %v, want TransferError", err)
	}
}

func TestUploadMissingFile(t *testing.T) {
	p := newPipeline(&fakeStorage{}, &fakeSender{})
	err := p.UploadImage(context.Background(), filepath.Join(t.TempDir(), "absent.png"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}
