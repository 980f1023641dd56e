package client

// transfer.go – incoming file handling. Each announced transfer gets a
// context keyed by its transfer id; chunks append to an open file in the
// downloads directory, and the context closes on FILE_SEND_COMPLETE or when
// the announced size has arrived, whichever comes first.

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ianremillard/chatrelay/internal/proto"
)

// incomingFile is one in-flight inbound transfer.
type incomingFile struct {
	f        *os.File
	path     string
	fileName string
	total    int64
	got      int64
}

func (s *Session) startIncoming(req *proto.FileSendRequest) {
	f, path, err := openDownload(s.cfg.DownloadsDir, req.FileName)
	if err != nil {
		fmt.Fprintf(s.out, "* receive %s: %v\n", req.FileName, err)
		return
	}

	s.mu.Lock()
	s.incoming[req.TransferID] = &incomingFile{
		f:        f,
		path:     path,
		fileName: req.FileName,
		total:    req.FileSize,
	}
	s.mu.Unlock()

	fmt.Fprintf(s.out, "* receiving %s (%d bytes)\n", req.FileName, req.FileSize)
}

func (s *Session) handleChunk(payload []byte) {
	chunk, err := proto.DecodeFileChunk(payload)
	if err != nil {
		log.Printf("client: %v", err)
		return
	}

	s.mu.Lock()
	in := s.incoming[chunk.TransferID]
	s.mu.Unlock()
	if in == nil {
		log.Printf("client: chunk for unknown transfer %s, dropped", chunk.TransferID)
		return
	}

	if _, err := in.f.Write(chunk.Data); err != nil {
		fmt.Fprintf(s.out, "* receive %s: %v\n", in.fileName, err)
		s.closeIncoming(chunk.TransferID, false)
		return
	}
	in.got += int64(len(chunk.Data))

	if in.total > 0 && in.got >= in.total {
		s.closeIncoming(chunk.TransferID, true)
	}
}

func (s *Session) finishIncoming(transferID string) {
	s.closeIncoming(transferID, true)
}

// closeIncoming removes and closes a transfer context. Closing twice (size
// reached, then the completion packet) is a no-op.
func (s *Session) closeIncoming(transferID string, report bool) {
	s.mu.Lock()
	in := s.incoming[transferID]
	delete(s.incoming, transferID)
	s.mu.Unlock()
	if in == nil {
		return
	}
	in.f.Close()
	if report {
		fmt.Fprintf(s.out, "* saved %s (%d bytes)\n", in.path, in.got)
	}
}

// abortIncoming closes whatever transfers are still open when the
// connection dies. Partial files stay on disk.
func (s *Session) abortIncoming() {
	s.mu.Lock()
	open := s.incoming
	s.incoming = make(map[string]*incomingFile)
	s.mu.Unlock()
	for _, in := range open {
		in.f.Close()
	}
}

// openDownload creates the target file inside dir, appending a numeric
// suffix when the name is already taken.
func openDownload(dir, fileName string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", err
	}
	base := filepath.Base(fileName)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "download"
	}

	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s.%d", base, i)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
	}
}
