package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ranchat/internal/models"
	"ranchat/internal/session"
)

// State 是每会话连接状态机的状态。
type State string

const (
	StateInitializing State = "initializing"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// ConnState 是本地对等连接对象上报的连通性状态。
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// PeerConn 是本地对等连接对象的抽象（外部协作者）。协调层只负责
// 喂入与排出信令，从不检查媒体内容；编解码协商与 NAT 穿透细节
// 都在实现内部。
type PeerConn interface {
	CreateOffer() (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	SetLocalDescription(desc models.SessionDescription) error
	SetRemoteDescription(desc models.SessionDescription) error
	AddCandidate(payload string) error
	OnCandidate(fn func(payload string))
	OnConnectionStateChange(fn func(state ConnState))
	Close() error
}

// PeerConnFactory 构造一个全新的对等连接。重试时必须重建而不是复用：
// 复用带陈旧状态的连接句柄正是多次出现过的竞争源头。
type PeerConnFactory func() (PeerConn, error)

var (
	// ErrExhausted 表示建立连接的重试次数已耗尽，会话已被删除，
	// 调用方应把用户送回队列。
	ErrExhausted = errors.New("signal: connection attempts exhausted, session abandoned")

	errAttemptTimeout = errors.New("signal: attempt timed out")
	errConnFailed     = errors.New("signal: peer connection failed")
)

// Negotiator 是每会话一个的连接协商状态机，取代散落的全局可变
// 连接句柄。caller 立即发 offer 并等 answer；callee 等 offer、
// 应答。远端描述应用前到达的候选一律先缓冲，应用后立即按原始
// 顺序冲刷——有条件地丢弃会造成静默的候选丢失与连接失败。
type Negotiator struct {
	broker    *Broker
	lifecycle *session.Lifecycle
	factory   PeerConnFactory

	sessionID string
	selfID    string
	partnerID string
	caller    bool

	timeout     time.Duration
	maxAttempts int

	mu    sync.Mutex
	state State
	pc    PeerConn
}

func NewNegotiator(broker *Broker, lc *session.Lifecycle, factory PeerConnFactory, sessionID, selfID, partnerID string, caller bool, timeout time.Duration, maxAttempts int) *Negotiator {
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Negotiator{
		broker:      broker,
		lifecycle:   lc,
		factory:     factory,
		sessionID:   sessionID,
		selfID:      selfID,
		partnerID:   partnerID,
		caller:      caller,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		state:       StateInitializing,
	}
}

// State 返回状态机当前状态。
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Conn 返回协商成功后的连接对象；未连接时为 nil。
func (n *Negotiator) Conn() PeerConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pc
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Run 驱动完整的建立流程：每轮用全新的连接对象做一次完整的
// offer/answer 交换，超时未连通则拆掉重来，直到成功、上下文取消
// 或次数耗尽。耗尽时删除会话（避免留下孤儿记录）并返回 ErrExhausted。
func (n *Negotiator) Run(ctx context.Context) error {
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		err := n.attempt(ctx)
		if err == nil {
			n.setState(StateConnected)
			return nil
		}
		if ctx.Err() != nil {
			n.setState(StateClosed)
			return ctx.Err()
		}
		log.Warn().Err(err).Str("session_id", n.sessionID).Int("attempt", attempt).Msg("connection attempt failed")
	}
	n.setState(StateFailed)
	n.lifecycle.End(n.sessionID, n.selfID)
	return ErrExhausted
}

func (n *Negotiator) attempt(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	pc, err := n.factory()
	if err != nil {
		return err
	}
	n.setState(StateNegotiating)

	// 监听挂在会话上下文而非尝试上下文：连通之后对端的候选仍会
	// 继续滴流，必须持续应用直到会话结束。
	watchCtx, watchCancel := context.WithCancel(ctx)
	handedOff := false
	defer func() {
		if !handedOff {
			watchCancel()
		}
	}()

	var once sync.Once
	connected := make(chan struct{})
	failed := make(chan struct{}, 1)
	pc.OnConnectionStateChange(func(cs ConnState) {
		switch cs {
		case ConnConnected:
			once.Do(func() { close(connected) })
		case ConnFailed:
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})
	pc.OnCandidate(func(payload string) {
		if err := n.broker.SendCandidate(n.sessionID, n.selfID, payload); err != nil {
			log.Warn().Err(err).Str("session_id", n.sessionID).Msg("send candidate")
		}
	})

	remote := n.broker.WatchRemote(watchCtx, n.sessionID, n.partnerID)
	cands := n.broker.WatchCandidates(watchCtx, n.sessionID, n.partnerID)

	if n.caller {
		offer, err := pc.CreateOffer()
		if err != nil {
			_ = pc.Close()
			return err
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			_ = pc.Close()
			return err
		}
		if err := n.broker.SendOffer(n.sessionID, n.selfID, offer); err != nil {
			_ = pc.Close()
			return err
		}
	}

	remoteSet := false
	var pending []string

	for {
		select {
		case <-attemptCtx.Done():
			_ = pc.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errAttemptTimeout
		case <-failed:
			_ = pc.Close()
			return errConnFailed
		case <-connected:
			n.mu.Lock()
			n.pc = pc
			n.mu.Unlock()
			for _, payload := range pending {
				if err := pc.AddCandidate(payload); err != nil {
					log.Warn().Err(err).Str("session_id", n.sessionID).Msg("flush buffered candidate")
				}
			}
			handedOff = true
			go n.drainSignals(watchCtx, watchCancel, pc, remote, cands)
			return nil
		case rec, ok := <-remote:
			if !ok {
				_ = pc.Close()
				return errAttemptTimeout
			}
			applied, err := n.applyRemote(pc, &rec, remoteSet)
			if err != nil {
				_ = pc.Close()
				return err
			}
			if applied && !remoteSet {
				remoteSet = true
				// 远端描述就位，立即按原始顺序冲刷缓冲的候选
				for _, payload := range pending {
					if err := pc.AddCandidate(payload); err != nil {
						log.Warn().Err(err).Str("session_id", n.sessionID).Msg("flush buffered candidate")
					}
				}
				pending = nil
			}
		case cand, ok := <-cands:
			if !ok {
				_ = pc.Close()
				return errAttemptTimeout
			}
			if !remoteSet {
				pending = append(pending, cand.Payload)
				continue
			}
			if err := pc.AddCandidate(cand.Payload); err != nil {
				log.Warn().Err(err).Str("session_id", n.sessionID).Msg("add candidate")
			}
		}
	}
}

// drainSignals 在连通之后继续消费对端的信令流：滴流候选持续应用
// 到连接上，远端描述的重复投递直接丢弃。监听随会话上下文终止。
func (n *Negotiator) drainSignals(ctx context.Context, cancel context.CancelFunc, pc PeerConn, remote <-chan models.PeerSignal, cands <-chan models.IceCandidate) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-remote:
			if !ok {
				return
			}
		case cand, ok := <-cands:
			if !ok {
				return
			}
			if err := pc.AddCandidate(cand.Payload); err != nil {
				log.Warn().Err(err).Str("session_id", n.sessionID).Msg("add candidate")
			}
		}
	}
}

// applyRemote 按角色应用对端描述。重复投递同一记录是空操作
// （remoteSet 守卫），callee 在应用 offer 后计算并写回 answer。
func (n *Negotiator) applyRemote(pc PeerConn, rec *models.PeerSignal, remoteSet bool) (bool, error) {
	if remoteSet {
		return false, nil
	}
	if n.caller {
		answer := rec.Answer()
		if answer == nil {
			return false, nil
		}
		return true, pc.SetRemoteDescription(*answer)
	}
	offer := rec.Offer()
	if offer == nil {
		return false, nil
	}
	if err := pc.SetRemoteDescription(*offer); err != nil {
		return false, err
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return false, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return false, err
	}
	if err := n.broker.SendAnswer(n.sessionID, n.selfID, answer); err != nil {
		return false, err
	}
	return true, nil
}
