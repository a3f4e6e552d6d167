package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/api/transport"
)

// ErrRemote wraps failures reported by the server with StatusError.
var ErrRemote = errors.New("remote error")

// caller is the slice of transport.Client the stubs need.
type caller interface {
	Call(ctx context.Context, req *transport.Message) (*transport.Message, error)
	Address() string
	Close() error
}

// call issues req and turns a StatusError response into an error.
func call(ctx context.Context, conn caller, req *transport.Message) (*transport.Message, error) {
	resp, err := conn.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status == transport.StatusError {
		return nil, fmt.Errorf("%w: %s %s: %s", ErrRemote, conn.Address(), req.Method, resp.Error)
	}
	return resp, nil
}

// MetaClient is the remote MetadataService.
type MetaClient struct {
	conn caller
}

var _ api.MetadataService = (*MetaClient)(nil)

func NewMetaClient(address string) *MetaClient {
	return &MetaClient{conn: transport.NewClient(address)}
}

func (c *MetaClient) Close() error {
	return c.conn.Close()
}

func (c *MetaClient) Ping(ctx context.Context) error {
	_, err := call(ctx, c.conn, &transport.Message{Method: transport.MethodPing})
	return err
}

func (c *MetaClient) ReadFile(ctx context.Context, filename string) (api.FileInfo, error) {
	resp, err := call(ctx, c.conn, &transport.Message{Method: transport.MethodReadFile, Filename: filename})
	if err != nil {
		return api.FileInfo{}, err
	}
	return api.FileInfo{
		Filename: filename,
		Version:  resp.Version,
		Hashlist: nonNil(resp.Hashes),
	}, nil
}

func (c *MetaClient) ModifyFile(ctx context.Context, filename string, version int64, hashlist []string) (api.Result, error) {
	resp, err := call(ctx, c.conn, &transport.Message{
		Method:   transport.MethodModifyFile,
		Filename: filename,
		Version:  version,
		Hashes:   hashlist,
	})
	if err != nil {
		return api.Result{}, err
	}
	return toResult(resp)
}

func (c *MetaClient) DeleteFile(ctx context.Context, filename string, version int64) (api.Result, error) {
	resp, err := call(ctx, c.conn, &transport.Message{
		Method:   transport.MethodDeleteFile,
		Filename: filename,
		Version:  version,
	})
	if err != nil {
		return api.Result{}, err
	}
	return toResult(resp)
}

func (c *MetaClient) ListFiles(ctx context.Context) ([]api.FileInfo, error) {
	resp, err := call(ctx, c.conn, &transport.Message{Method: transport.MethodListFiles})
	if err != nil {
		return nil, err
	}
	files := make([]api.FileInfo, 0, len(resp.Files))
	for _, f := range resp.Files {
		files = append(files, api.FileInfo{
			Filename: f.Filename,
			Version:  f.Version,
			Hashlist: nonNil(f.Hashes),
		})
	}
	return files, nil
}

// BlockClient is one remote BlockService shard.
type BlockClient struct {
	conn caller
}

var _ api.BlockService = (*BlockClient)(nil)

func NewBlockClient(address string) *BlockClient {
	return &BlockClient{conn: transport.NewClient(address)}
}

func (c *BlockClient) Address() string {
	return c.conn.Address()
}

func (c *BlockClient) Close() error {
	return c.conn.Close()
}

func (c *BlockClient) Ping(ctx context.Context) error {
	_, err := call(ctx, c.conn, &transport.Message{Method: transport.MethodPing})
	return err
}

func (c *BlockClient) HasBlock(ctx context.Context, hash string) (bool, error) {
	resp, err := call(ctx, c.conn, &transport.Message{Method: transport.MethodHasBlock, Hash: hash})
	if err != nil {
		return false, err
	}
	return resp.Found, nil
}

func (c *BlockClient) HasBlocks(ctx context.Context, hashes []string) ([]string, error) {
	resp, err := call(ctx, c.conn, &transport.Message{Method: transport.MethodHasBlocks, Hashes: hashes})
	if err != nil {
		return nil, err
	}
	return nonNil(resp.Hashes), nil
}

func (c *BlockClient) StoreBlock(ctx context.Context, hash string, data []byte) error {
	_, err := call(ctx, c.conn, &transport.Message{Method: transport.MethodStoreBlock, Hash: hash, Data: data})
	return err
}

func (c *BlockClient) GetBlock(ctx context.Context, hash string) ([]byte, error) {
	resp, err := call(ctx, c.conn, &transport.Message{Method: transport.MethodGetBlock, Hash: hash})
	if err != nil {
		return nil, err
	}
	if resp.Status == transport.StatusNotFound {
		return nil, fmt.Errorf("block %s on %s: %w", api.ShortHash(hash), c.conn.Address(), api.ErrNotFound)
	}
	if resp.Data == nil {
		return []byte{}, nil
	}
	return resp.Data, nil
}

func toResult(resp *transport.Message) (api.Result, error) {
	switch resp.Status {
	case transport.StatusOK:
		return api.OK(), nil
	case transport.StatusWrongVersion:
		return api.WrongVersion(resp.Version), nil
	case transport.StatusMissingBlocks:
		return api.MissingBlocks(nonNil(resp.Hashes)), nil
	case transport.StatusNotFound:
		return api.NotFound(), nil
	default:
		return api.Result{}, fmt.Errorf("unexpected response status %d", resp.Status)
	}
}

func nonNil(hashes []string) []string {
	if hashes == nil {
		return []string{}
	}
	return hashes
}
