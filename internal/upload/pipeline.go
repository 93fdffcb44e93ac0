package upload

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Size ceilings enforced before any bytes leave the device.
const (
	maxImageBytes    = 10 << 20
	maxDocumentBytes = 25 << 20
)

// imageTypes maps accepted image extensions to their MIME type.
var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ValidationError rejects a file before transfer: wrong type or too
// large. Callers show it inline and never retry.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid attachment %s: %s", e.Path, e.Reason)
}

// TransferError wraps a storage or send failure after validation
// passed. Retrying the same file may succeed.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Storage is the object-storage surface the pipeline uploads through.
// The production implementation is *backend.Client.
type Storage interface {
	UploadFile(ctx context.Context, localPath, destPath, contentType string) (string, error)
}

// Sender delivers the synthesized attachment message; the conversation
// engine's Send satisfies it.
type Sender interface {
	Send(ctx context.Context, content string) error
}

// Pipeline validates local files, uploads them to object storage and
// sends the tagged attachment message through the conversation engine.
type Pipeline struct {
	conversationID string
	storage        Storage
	sender         Sender
	logger         *zap.Logger
	newID          func() string
}

// Options configures a Pipeline. Storage and Sender are required.
type Options struct {
	ConversationID string
	Storage        Storage
	Sender         Sender
	Logger         *zap.Logger
	NewID          func() string
}

// NewPipeline creates an upload pipeline for one conversation.
func NewPipeline(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Pipeline{
		conversationID: opts.ConversationID,
		storage:        opts.Storage,
		sender:         opts.Sender,
		logger:         logger,
		newID:          newID,
	}
}

// UploadImage validates, uploads and sends an image attachment.
func (p *Pipeline) UploadImage(ctx context.Context, localPath string) error {
	contentType, err := validateImage(localPath)
	if err != nil {
		return err
	}
	url, err := p.transfer(ctx, localPath, contentType)
	if err != nil {
		return err
	}
	if sendErr := p.sender.Send(ctx, chat.ImageContent(url)); sendErr != nil {
		return &TransferError{Path: localPath, Err: sendErr}
	}
	return nil
}

// UploadDocument validates, uploads and sends a document attachment.
// displayName defaults to the file's base name.
func (p *Pipeline) UploadDocument(ctx context.Context, localPath, displayName string) error {
	if err := validateDocument(localPath); err != nil {
		return err
	}
	url, err := p.transfer(ctx, localPath, "application/octet-stream")
	if err != nil {
		return err
	}
	if displayName == "" {
		displayName = filepath.Base(localPath)
	}
	if sendErr := p.sender.Send(ctx, chat.DocumentContent(displayName, url)); sendErr != nil {
		return &TransferError{Path: localPath, Err: sendErr}
	}
	return nil
}

func (p *Pipeline) transfer(ctx context.Context, localPath, contentType string) (string, error) {
	dest := p.destPath(localPath)
	url, err := p.storage.UploadFile(ctx, localPath, dest, contentType)
	if err != nil {
		p.logger.Warn("attachment upload failed",
			zap.String("path", localPath),
			zap.String("dest", dest),
			zap.Error(err))
		return "", &TransferError{Path: localPath, Err: err}
	}
	return url, nil
}

// destPath namespaces uploads per conversation with a fresh id so two
// files with the same local name never collide.
func (p *Pipeline) destPath(localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	return path.Join("attachments", p.conversationID, p.newID()+ext)
}

func validateImage(localPath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(localPath))
	contentType, ok := imageTypes[ext]
	if !ok {
		return "", &ValidationError{Path: localPath, Reason: fmt.Sprintf("unsupported image type %q", ext)}
	}
	if err := validateSize(localPath, maxImageBytes); err != nil {
		return "", err
	}
	return contentType, nil
}

func validateDocument(localPath string) error {
	return validateSize(localPath, maxDocumentBytes)
}

func validateSize(localPath string, limit int64) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return &ValidationError{Path: localPath, Reason: err.Error()}
	}
	if info.IsDir() {
		return &ValidationError{Path: localPath, Reason: "is a directory"}
	}
	if info.Size() > limit {
		return &ValidationError{Path: localPath, Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", info.Size(), limit)}
	}
	return nil
}
