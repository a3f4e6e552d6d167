package transport

import (
	"context"
	"fmt"
)

// Method selects the remote operation carried by a Message.
type Method int32

const (
	MethodUnknown Method = iota
	MethodPing
	MethodReadFile
	MethodModifyFile
	MethodDeleteFile
	MethodListFiles
	MethodHasBlock
	MethodHasBlocks
	MethodStoreBlock
	MethodGetBlock
)

var methodNames = map[Method]string{
	MethodUnknown:    "unknown",
	MethodPing:       "ping",
	MethodReadFile:   "readFile",
	MethodModifyFile: "modifyFile",
	MethodDeleteFile: "deleteFile",
	MethodListFiles:  "listFiles",
	MethodHasBlock:   "hasBlock",
	MethodHasBlocks:  "hasBlocks",
	MethodStoreBlock: "storeBlock",
	MethodGetBlock:   "getBlock",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("method(%d)", int32(m))
}

// Status is the response outcome. The first four values line up with
// api.Status; StatusError marks a server-side failure.
type Status int32

const (
	StatusOK Status = iota
	StatusWrongVersion
	StatusMissingBlocks
	StatusNotFound
	StatusError
)

// Handler serves one decoded request and returns its response. The returned
// message gets the request's Method and ID stamped on it by the server.
type Handler interface {
	Handle(ctx context.Context, req *Message) *Message
}

type HandlerFunc func(ctx context.Context, req *Message) *Message

func (f HandlerFunc) Handle(ctx context.Context, req *Message) *Message {
	return f(ctx, req)
}

type TransportHandler interface {
	ListenAndAccept() error // listen and accept connections
	Addr() string           // bound listener address
	Close() error           // stop accepting and release connections
}
