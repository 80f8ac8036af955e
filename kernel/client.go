// Package kernel implements the C8 kernel↔document bridge: it routes
// kernel protocol messages to the room whose cell they belong to, keeps
// per-cell execution state in awareness, and offloads large outputs to
// the content-addressed output store. Grounded on
// jupyter_server_documents/kernel_client.py's DocumentAwareKernelClient
// and jupyter_rtc_core/kernels/kernel_client.py's message-cache/listener
// idiom.
//
// No kernel protocol transport is implemented here, per SPEC_FULL.md's
// Non-goals: Client is the minimal surface the bridge consumes, and a
// fake implementing it is enough to exercise the bridge in tests.
package kernel

import "encoding/json"

// Kernel message channel names.
const (
	ChannelShell   = "shell"
	ChannelIOPub   = "iopub"
	ChannelControl = "control"
	ChannelStdin   = "stdin"
)

// Kernel message types the bridge dispatches on, per spec.md §4.8.
const (
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgStatus            = "status"
	MsgExecuteInput      = "execute_input"
	MsgExecuteRequest    = "execute_request"
	MsgStream            = "stream"
	MsgDisplayData       = "display_data"
	MsgExecuteResult     = "execute_result"
	MsgError             = "error"
	MsgUpdateDisplayData = "update_display_data"
	MsgClearOutput       = "clear_output"
)

// OutputMsgTypes are the message types routed to output processing.
var OutputMsgTypes = map[string]bool{
	MsgStream:            true,
	MsgDisplayData:       true,
	MsgExecuteResult:     true,
	MsgError:             true,
	MsgUpdateDisplayData: true,
	MsgClearOutput:       true,
}

// Header is a kernel protocol message header, reduced to the fields this
// bridge consults.
type Header struct {
	MsgID   string `json:"msg_id"`
	MsgType string `json:"msg_type"`
}

// Message is one inbound kernel protocol message, already split into
// header/parent-header/metadata/content the way the source this bridges
// unpacks (session.unpack) before dispatch. Content is kept as raw JSON
// and unpacked only by handlers that need it, mirroring the source's
// comment that content is deserialized lazily per handler.
type Message struct {
	Channel      string
	Header       Header
	ParentHeader Header
	Metadata     map[string]any
	Content      json.RawMessage
}

// Client is the minimal surface this bridge needs from a kernel protocol
// transport: a stream of inbound messages. A real implementation would
// wrap a ZMQ session the way NextGenAsyncKernelClient does; that
// transport is out of scope here (SPEC_FULL.md Non-goals).
type Client interface {
	// Messages returns the channel inbound kernel messages arrive on.
	// Closed when the underlying connection is gone.
	Messages() <-chan Message
	Close() error
}
