package transport

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"time"

	"google.golang.org/grpc"

	"github.com/gomacc-proxy/gomaccd/internal/common"
)

const chunkSize = 64 * 1024

var streamDesc = grpc.StreamDesc{StreamName: "Upload", ClientStreams: true}

// ComputeKey mirrors common.GetFileSHA256, exposed through the Uploader
// interface so the upload coordinator never touches the filesystem
// directly outside of this collaborator.
func (g *GRPCClient) ComputeKey(absPath string) (common.SHA256, error) {
	return common.GetFileSHA256(absPath)
}

type uploadChunkWire struct {
	Key       [32]byte
	ChunkBody []byte
	Final     bool
}

// Upload streams absPath to the remote in chunkSize pieces over a client
// streaming call: read until EOF, then send an empty-body confirmation.
// Chunks are addressed by content key rather than a (clientID, sessionID,
// fileIndex) tuple, since uploads are keyed by hash, not by invocation.
func (g *GRPCClient) Upload(absPath string, key common.SHA256) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	stream, err := g.conn.NewStream(ctx, &streamDesc, "/gomacc.Blob/Upload", g.callOpt)
	if err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	keyBytes := sha256KeyBytes(key)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(uploadChunkWire{Key: keyBytes, ChunkBody: append([]byte(nil), buf[:n]...)}); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	if err := stream.SendMsg(uploadChunkWire{Key: keyBytes, Final: true}); err != nil {
		return err
	}
	return stream.CloseSend()
}

// Embed reads absPath fully for inline content; only used for small/new files so an in-memory read
// is appropriate.
func (g *GRPCClient) Embed(absPath string) ([]byte, error) {
	return os.ReadFile(absPath)
}

// Download fetches output into destPath; DownloadInBuffer fetches it into
// memory. Neither branches on staging strategy ("fits in memory" vs "needs
// a tmpfile") — that decision lives in internal/commit instead, since
// staging policy is a commit-pipeline concern, not a transport concern.
func (g *GRPCClient) Download(output OutputDescriptor, destPath string, mode uint32) error {
	data, err := g.DownloadInBuffer(output)
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, data, os.FileMode(mode))
}

func (g *GRPCClient) DownloadInBuffer(output OutputDescriptor) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var reply struct{ Content []byte }
	err := g.conn.Invoke(ctx, "/gomacc.Blob/Download", output, &reply, g.callOpt)
	if err != nil {
		return nil, err
	}
	return reply.Content, nil
}

func sha256KeyBytes(key common.SHA256) [32]byte {
	var b [32]byte
	h := sha256.Sum256([]byte(key.ToLongHexString()))
	copy(b[:], h[:])
	return b
}
