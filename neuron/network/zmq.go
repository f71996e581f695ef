package network

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/pandablue0809/bittensor/neuron/data"
	"github.com/pandablue0809/bittensor/neuron/gossip"
)

// MaxZMQMessageSize bounds one encoded gossip batch on the ZeroMQ transport.
const MaxZMQMessageSize = 16 * 1024 * 1024

const zmqStatusOK = "OK"

// ErrNodeRunning is returned when a ZeroMQ server is started twice.
var ErrNodeRunning = errors.New("node already running")

var kindByName = func() map[string]data.Kind {
	m := make(map[string]data.Kind)
	for k := data.KindMalformedMessage; k <= data.KindUnreachable; k++ {
		m[k.String()] = k
	}
	return m
}()

func zmqAddress(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "tcp://" + endpoint
}

// ZMQGossipServer answers push-pull exchanges on a ROUTER socket. Each
// request is [identity, "", batch] and each reply is
// [identity, "", status, body] where status is "OK" with an encoded batch
// as body, or an error kind with the reason as body.
type ZMQGossipServer struct {
	handler GossipHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	router zmq4.Socket
	sendMu sync.Mutex

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewZMQGossipServer creates a server for handler.
func NewZMQGossipServer(handler GossipHandler) *ZMQGossipServer {
	return &ZMQGossipServer{
		handler: handler,
		logger:  slog.Default().With("component", "zmq"),
	}
}

// SetLogger sets the logger.
func (s *ZMQGossipServer) SetLogger(logger *slog.Logger) {
	s.logger = logger.With("component", "zmq")
}

// Start binds the ROUTER socket to address ("host:port" or "tcp://...").
func (s *ZMQGossipServer) Start(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrNodeRunning
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = zmq4.NewRouter(s.ctx)
	if err := s.router.Listen(zmqAddress(address)); err != nil {
		s.cancel()
		return fmt.Errorf("failed to bind router: %w", err)
	}
	s.running = true

	s.wg.Add(1)
	go s.receiverLoop()

	s.logger.Info("ZeroMQ gossip listening", "address", s.router.Addr().String())
	return nil
}

// Addr returns the bound address.
func (s *ZMQGossipServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.router == nil || s.router.Addr() == nil {
		return ""
	}
	return s.router.Addr().String()
}

// Stop closes the socket and waits for in-flight exchanges.
func (s *ZMQGossipServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	// Close errors during shutdown are expected.
	_ = s.router.Close()
	s.wg.Wait()
}

func (s *ZMQGossipServer) receiverLoop() {
	defer s.wg.Done()

	for {
		msg, err := s.router.Recv()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				continue
			}
		}
		if len(msg.Frames) < 2 {
			continue
		}

		s.wg.Add(1)
		go func(frames [][]byte) {
			defer s.wg.Done()
			s.serve(frames[0], frames[len(frames)-1])
		}(msg.Frames)
	}
}

func (s *ZMQGossipServer) serve(identity, payload []byte) {
	status, body := zmqStatusOK, []byte{}
	reply, err := s.handle(identity, payload)
	if err != nil {
		status = data.KindOf(err).String()
		body = []byte(strings.TrimPrefix(err.Error(), status+": "))
	} else {
		body = reply.Marshal()
	}

	out := zmq4.NewMsgFrom(identity, nil, []byte(status), body)
	s.sendMu.Lock()
	err = s.router.Send(out)
	s.sendMu.Unlock()
	if err != nil {
		s.logger.Debug("Failed to send gossip reply", "error", err)
	}
}

func (s *ZMQGossipServer) handle(identity, payload []byte) (*data.SynapseBatch, error) {
	if len(payload) > MaxZMQMessageSize {
		return nil, data.Errorf(data.KindMalformedMessage, "batch of %d bytes exceeds limit", len(payload))
	}
	var batch data.SynapseBatch
	if err := batch.Unmarshal(payload); err != nil {
		return nil, err
	}
	return s.handler.HandleGossip(gossip.WithRemote(s.ctx, "zmq:"+hex.EncodeToString(identity)), &batch)
}

// ZMQGossipClient performs exchanges over short-lived REQ sockets. It
// implements gossip.Transport.
type ZMQGossipClient struct{}

// NewZMQGossipClient creates a client.
func NewZMQGossipClient() *ZMQGossipClient {
	return &ZMQGossipClient{}
}

// Exchange sends batch to endpoint and waits for the reply or ctx.
func (c *ZMQGossipClient) Exchange(ctx context.Context, endpoint string, batch *data.SynapseBatch) (*data.SynapseBatch, error) {
	target, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, data.NewError(data.KindUnreachable, "bad endpoint", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := zmq4.NewReq(sctx)
	defer req.Close()

	type result struct {
		msg zmq4.Msg
		err error
	}
	done := make(chan result, 1)
	go func() {
		if err := req.Dial(zmqAddress(target)); err != nil {
			done <- result{err: data.NewError(data.KindUnreachable, "dial "+target, err)}
			return
		}
		if err := req.Send(zmq4.NewMsg(batch.Marshal())); err != nil {
			done <- result{err: data.NewError(data.KindUnreachable, "send", err)}
			return
		}
		msg, err := req.Recv()
		if err != nil {
			err = data.NewError(data.KindUnreachable, "recv", err)
		}
		done <- result{msg: msg, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, data.NewError(data.KindTimeout, "gossip exchange with "+target, ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, res.err
	}
	return decodeZMQReply(res.msg.Frames)
}

func decodeZMQReply(frames [][]byte) (*data.SynapseBatch, error) {
	if len(frames) < 2 {
		return nil, data.Errorf(data.KindMalformedMessage, "reply has %d frames", len(frames))
	}
	status, body := string(frames[len(frames)-2]), frames[len(frames)-1]
	if status != zmqStatusOK {
		kind, ok := kindByName[status]
		if !ok {
			kind = data.KindUnreachable
		}
		return nil, data.Errorf(kind, "%s", body)
	}

	var reply data.SynapseBatch
	if err := reply.Unmarshal(body); err != nil {
		return nil, err
	}
	return &reply, nil
}
