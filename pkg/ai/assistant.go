package ai

import (
	"context"
	"errors"
)

// ErrNoImageReturned is returned when an image operation yields no image part.
var ErrNoImageReturned = errors.New("no image was edited or returned")

// Turn is one prior exchange used to seed a chat. History replays carry role
// and text only; attachments and images are not replayed into model context.
type Turn struct {
	Role string
	Text string
}

// Blob is inline binary data attached to a message part.
type Blob struct {
	MimeType string
	Data     string // base64-encoded
}

// Part is one piece of an outbound message: text or inline data.
type Part struct {
	Text   string
	Inline *Blob
}

// Stream is a finite, non-restartable sequence of text increments.
// Recv returns io.EOF after the last increment.
type Stream interface {
	Recv() (string, error)
}

// Chat is a stateful exchange with the model. Replies are folded back into
// the session history so later turns see them.
type Chat interface {
	StreamMessage(ctx context.Context, parts []Part) (Stream, error)
}

// Assistant is the generative backend the conversation orchestrator depends
// on. All providers implement this interface.
type Assistant interface {
	StartChat(history []Turn) Chat
	GenerateImage(ctx context.Context, prompt string) (string, error)
	EditImage(ctx context.Context, prompt, imageData, mimeType string) (string, error)
}
