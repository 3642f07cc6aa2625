package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	cbornode "github.com/ipfs/go-ipld-cbor"
	msgio "github.com/libp2p/go-msgio"

	"github.com/quorumcontrol/tupelo-accounts/ledger"
)

// Session is one conversation with a remote node. Messages are cbor
// encoded and varint length framed.
type Session struct {
	remote ledger.NodeID
	stream io.ReadWriteCloser
	reader msgio.ReadCloser
	writer msgio.WriteCloser

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewSession wraps stream. The session is closed when ctx is done.
func NewSession(ctx context.Context, remote ledger.NodeID, stream io.ReadWriteCloser) *Session {
	s := &Session{
		remote: remote,
		stream: stream,
		reader: msgio.NewVarintReader(stream),
		writer: msgio.NewVarintWriter(stream),
		done:   make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *Session) Remote() ledger.NodeID {
	return s.remote
}

func (s *Session) Send(msg interface{}) error {
	bits, err := cbornode.DumpObject(msg)
	if err != nil {
		return fmt.Errorf("error encoding %T: %w", msg, err)
	}
	if err := s.writer.WriteMsg(bits); err != nil {
		return unreachable(s.remote, fmt.Errorf("error writing %T: %w", msg, err))
	}
	return nil
}

// Receive blocks for the next message and decodes it into msg.
func (s *Session) Receive(msg interface{}) error {
	bits, err := s.reader.ReadMsg()
	if err != nil {
		return unreachable(s.remote, fmt.Errorf("error reading %T: %w", msg, err))
	}
	defer s.reader.ReleaseMsg(bits)
	if err := cbornode.DecodeInto(bits, msg); err != nil {
		return fmt.Errorf("error decoding %T: %w", msg, err)
	}
	return nil
}

// Request sends req and waits for the reply.
func (s *Session) Request(req interface{}, resp interface{}) error {
	if err := s.Send(req); err != nil {
		return err
	}
	return s.Receive(resp)
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}
