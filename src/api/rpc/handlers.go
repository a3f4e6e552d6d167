// Package rpc binds the metadata and block services to the framed TCP
// transport: handlers dispatch decoded requests to a local service, and the
// clients implement the same service interfaces over the network.
package rpc

import (
	"context"
	"errors"
	"fmt"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_sync/src/api"
	"github.com/danmuck/dps_sync/src/api/transport"
)

// MetaHandler serves MetadataService methods.
type MetaHandler struct {
	store api.MetadataService
}

var _ transport.Handler = (*MetaHandler)(nil)

func NewMetaHandler(store api.MetadataService) *MetaHandler {
	return &MetaHandler{store: store}
}

func (h *MetaHandler) Handle(ctx context.Context, req *transport.Message) *transport.Message {
	logs.Debugf("MetaHandler(%s %s): %s", req.Method, req.ID, req.Filename)
	switch req.Method {
	case transport.MethodPing:
		if err := h.store.Ping(ctx); err != nil {
			return errorMessage(req, err)
		}
		return &transport.Message{}

	case transport.MethodReadFile:
		info, err := h.store.ReadFile(ctx, req.Filename)
		if err != nil {
			return errorMessage(req, err)
		}
		return &transport.Message{Filename: info.Filename, Version: info.Version, Hashes: info.Hashlist}

	case transport.MethodModifyFile:
		res, err := h.store.ModifyFile(ctx, req.Filename, req.Version, req.Hashes)
		if err != nil {
			return errorMessage(req, err)
		}
		return resultMessage(res)

	case transport.MethodDeleteFile:
		res, err := h.store.DeleteFile(ctx, req.Filename, req.Version)
		if err != nil {
			return errorMessage(req, err)
		}
		return resultMessage(res)

	case transport.MethodListFiles:
		files, err := h.store.ListFiles(ctx)
		if err != nil {
			return errorMessage(req, err)
		}
		resp := &transport.Message{Files: make([]transport.FileEntry, 0, len(files))}
		for _, f := range files {
			resp.Files = append(resp.Files, transport.FileEntry{
				Filename: f.Filename,
				Version:  f.Version,
				Hashes:   f.Hashlist,
			})
		}
		return resp

	default:
		return errorMessage(req, fmt.Errorf("unsupported method %s", req.Method))
	}
}

// BlockHandler serves BlockService methods for one shard.
type BlockHandler struct {
	store api.BlockService
}

var _ transport.Handler = (*BlockHandler)(nil)

func NewBlockHandler(store api.BlockService) *BlockHandler {
	return &BlockHandler{store: store}
}

func (h *BlockHandler) Handle(ctx context.Context, req *transport.Message) *transport.Message {
	switch req.Method {
	case transport.MethodPing:
		if err := h.store.Ping(ctx); err != nil {
			return errorMessage(req, err)
		}
		return &transport.Message{}

	case transport.MethodHasBlock:
		found, err := h.store.HasBlock(ctx, req.Hash)
		if err != nil {
			return errorMessage(req, err)
		}
		return &transport.Message{Found: found}

	case transport.MethodHasBlocks:
		present, err := h.store.HasBlocks(ctx, req.Hashes)
		if err != nil {
			return errorMessage(req, err)
		}
		return &transport.Message{Hashes: present}

	case transport.MethodStoreBlock:
		if err := h.store.StoreBlock(ctx, req.Hash, req.Data); err != nil {
			return errorMessage(req, err)
		}
		return &transport.Message{}

	case transport.MethodGetBlock:
		data, err := h.store.GetBlock(ctx, req.Hash)
		if errors.Is(err, api.ErrNotFound) {
			return &transport.Message{Status: transport.StatusNotFound}
		}
		if err != nil {
			return errorMessage(req, err)
		}
		return &transport.Message{Data: data}

	default:
		return errorMessage(req, fmt.Errorf("unsupported method %s", req.Method))
	}
}

func resultMessage(res api.Result) *transport.Message {
	return &transport.Message{
		Status:  transport.Status(res.Status),
		Version: res.Current,
		Hashes:  res.Missing,
	}
}

func errorMessage(req *transport.Message, err error) *transport.Message {
	logs.Warnf("%s(%s): %v", req.Method, req.ID, err)
	return &transport.Message{Status: transport.StatusError, Error: err.Error()}
}
