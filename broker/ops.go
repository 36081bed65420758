package broker

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/fleetkit/fleetd/common"
	"github.com/fleetkit/fleetd/registry"
	"github.com/fleetkit/fleetd/router"
	"github.com/fleetkit/fleetd/worker"
)

// methodCreateWorker is the broker-to-broker RPC (no wid) that asks a
// peer chosen by pickBroker to allocate and construct a worker.
const methodCreateWorker = "onCreateWorker"

// methodDestroyWorker is the tell a broker forwards when asked to
// destroy a worker it does not own.
const methodDestroyWorker = "onDestroyWorker"

// createWorkerPayload is methodCreateWorker's request body.
type createWorkerPayload struct {
	Name       string          `json:"name"`
	ID         string          `json:"id,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Static     bool            `json:"static,omitempty"`
	Cause      worker.Cause    `json:"cause"`
}

// createWorkerResult is methodCreateWorker's response body: the
// (brokerId, workerId) pair that actually won the allocation, which
// may name a third broker if an idempotent race was lost.
type createWorkerResult struct {
	BrokerID string `json:"brokerId"`
	Name     string `json:"name"`
	ID       string `json:"id"`
}

// Create places a new worker of the named class somewhere in the
// class's cluster: pickBroker chooses the least-loaded live peer, and
// an onCreateWorker RPC asks that peer to allocate and construct it.
// workerID may be empty (the registry derives one) and attributes may
// carry the reserved static/recoverable flags alongside application
// data. The returned Agent references whichever (broker, worker) pair
// actually won the allocation.
func (b *Broker) Create(ctx context.Context, name, workerID string, attributes json.RawMessage) (*worker.Agent, error) {
	if err := b.requireActive("Create"); err != nil {
		return nil, err
	}
	class, ok := b.classes[name]
	if !ok {
		return nil, newErr(KindNotFound, "Create", "no worker class registered: "+name, nil)
	}

	var result createWorkerResult
	err := b.withRetry(ctx, func() error {
		brokerID, addr, found, err := b.reg.PickBroker(ctx, class.cluster, 100)
		if err != nil {
			return common.Retryable(newErr(KindRegistryFault, "Create", "pickBroker failed", err))
		}
		if !found {
			return newErr(KindNotFound, "Create", "no live broker in cluster "+class.cluster, nil)
		}

		if brokerID == b.id {
			owner, id, err := b.ensure(ctx, name, workerID, attributes, false, b.registryNow().UnixMilli())
			if err != nil {
				return err
			}
			result = createWorkerResult{BrokerID: owner, Name: name, ID: id}
			return nil
		}

		var attrFlags registry.WorkerAttributes
		if len(attributes) > 0 {
			_ = json.Unmarshal(attributes, &attrFlags)
		}
		payload, _ := json.Marshal(createWorkerPayload{
			Name:       name,
			ID:         workerID,
			Attributes: attributes,
			Static:     attrFlags.Static,
			Cause:      worker.CauseNew,
		})
		res, err := b.askAddr(ctx, addr, methodCreateWorker, "", payload)
		if err != nil {
			if KindOf(err) == KindUnreachable || KindOf(err) == KindTimeout {
				return common.Retryable(err)
			}
			return err
		}
		if err := json.Unmarshal(res, &result); err != nil {
			return newErr(KindProtocol, "Create", "malformed onCreateWorker response", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return worker.NewAgent(result.ID, result.Name, b), nil
}

// Find looks a worker up by id without creating it, retrying under
// the configured backoff while the registry reports a transient
// condition. A nil Agent with a nil error means no such worker.
func (b *Broker) Find(ctx context.Context, workerID string) (*worker.Agent, error) {
	if err := b.requireActive("Find"); err != nil {
		return nil, err
	}

	var res registry.FindOrCreateResult
	err := b.withRetry(ctx, func() error {
		var ferr error
		res, ferr = b.reg.FindOrCreate(ctx, registry.FindOrCreateRequest{
			WorkerID:  workerID,
			NowMillis: b.registryNow().UnixMilli(),
			TTLMillis: int64(b.cfg.TTLMilliseconds),
		})
		if ferr != nil {
			return common.Retryable(ferr)
		}
		if res.Code == 1 {
			return common.Retryable(newErr(KindRetry, "Find", "worker under migration, retrying", nil))
		}
		return nil
	})
	if err != nil {
		return nil, newErr(KindTimeout, "Find", "retries exhausted", err)
	}
	if !res.Found {
		return nil, nil
	}
	return worker.NewAgent(res.WorkerID, res.Name, b), nil
}

// ensure runs findOrCreate with this broker as owner and, if this
// broker won the allocation, constructs the local instance. Shared by
// the local branch of Create, the inbound onCreateWorker handler, and
// the recovery loop.
func (b *Broker) ensure(ctx context.Context, name, workerID string, attributes json.RawMessage, forRecovery bool, nowMillis int64) (ownerBrokerID, id string, err error) {
	if _, ok := b.classes[name]; !ok {
		return "", "", newErr(KindNotFound, "ensure", "no worker class registered: "+name, nil)
	}

	req := registry.FindOrCreateRequest{
		BrokerID:    b.id,
		Name:        name,
		WorkerID:    workerID,
		Attributes:  attributes,
		NowMillis:   nowMillis,
		TTLMillis:   int64(b.cfg.TTLMilliseconds),
		ForRecovery: forRecovery,
	}

	var res registry.FindOrCreateResult
	retryErr := b.withRetry(ctx, func() error {
		var ferr error
		res, ferr = b.reg.FindOrCreate(ctx, req)
		if ferr != nil {
			return common.Retryable(ferr)
		}
		if res.Code == 1 {
			// Reuse the id the script resolved so a dynamic (empty)
			// workerID doesn't get a fresh counter-derived id on every
			// retry attempt.
			if res.WorkerID != "" {
				req.WorkerID = res.WorkerID
			}
			return common.Retryable(newErr(KindRetry, "ensure", "owning broker stale, retrying", nil))
		}
		return nil
	})
	if retryErr != nil {
		return "", "", retryErr
	}

	cause := worker.CauseNew
	if forRecovery {
		cause = worker.CauseRecovery
	}
	if res.BrokerID == b.id {
		if _, ok := b.workers.get(res.WorkerID); !ok {
			b.instantiate(ctx, res.WorkerID, name, attributes, cause)
		}
	}
	return res.BrokerID, res.WorkerID, nil
}

// instantiate constructs the local worker instance: inactive ->
// activating, OnCreate (whose error is logged and ignored), then
// activating -> active. A self-destroy issued while activating is
// deferred and performed once the hook returns.
func (b *Broker) instantiate(ctx context.Context, workerID, name string, attributes json.RawMessage, cause worker.Cause) {
	class := b.classes[name]
	handler := class.factory()
	agent := worker.NewAgent(workerID, name, b)
	e := &workerEntry{
		agent:      agent,
		handler:    handler,
		name:       name,
		attributes: attributes,
		createdAt:  b.registryNow(),
		state:      workerActivating,
	}

	e.hookMu.Lock()
	b.workers.put(workerID, e)
	if err := handler.OnCreate(ctx, agent, worker.CreateInfo{Cause: cause, Attributes: attributes}); err != nil {
		b.logger.Warn("OnCreate rejected", zap.String("workerid", workerID), zap.Error(err))
	}
	e.stateMu.Lock()
	e.state = workerActive
	pending := e.pendingDestroy
	if pending {
		e.state = workerDestroying
	}
	e.stateMu.Unlock()
	e.hookMu.Unlock()

	b.markLoadDirty()
	if pending {
		b.destroyLocal(ctx, workerID, e, worker.DestroySelf)
	}
}

// Ask implements worker.Dispatcher: route a request to workerID,
// locally if owned, over the wire otherwise. Remote sends run under
// the configured backoff; an unreachable or invalidated owner evicts
// the cached address before retrying.
func (b *Broker) Ask(ctx context.Context, workerID, method string, payload json.RawMessage) (json.RawMessage, error) {
	if err := b.requireActive("Ask"); err != nil {
		return nil, err
	}
	if e, ok := b.workers.get(workerID); ok {
		return b.askLocal(ctx, e, method, payload)
	}

	var result json.RawMessage
	err := b.withRetry(ctx, func() error {
		addr, err := b.resolveOwner(ctx, workerID)
		if err != nil {
			return err
		}
		result, err = b.askAddr(ctx, addr, method, workerID, payload)
		if err != nil {
			if KindOf(err) == KindUnreachable {
				b.addrs.Evict(workerID)
				return common.Retryable(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Broker) askLocal(ctx context.Context, e *workerEntry, method string, payload json.RawMessage) (json.RawMessage, error) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	switch e.getState() {
	case workerDestroying, workerDestroyed:
		return nil, newErr(KindNotFound, "Ask", "worker destroyed", nil)
	}
	res, err := e.handler.OnAsk(ctx, e.agent, method, payload)
	if err != nil {
		return nil, newErr(KindApplicationError, "Ask", err.Error(), err)
	}
	return res, nil
}

// askAddr sends one ask-style frame to a peer broker and waits for
// the correlated response. wid == "" marks broker-to-broker RPC.
func (b *Broker) askAddr(ctx context.Context, addr, method, wid string, payload json.RawMessage) (json.RawMessage, error) {
	seq, resultCh := b.rpc.register(b.cfg.RPCTimeout())
	msg := router.Message{M: method, Seq: &seq, Wid: wid, Pl: payload}
	if err := b.rtr.Request(addr, msg); err != nil {
		b.rpc.complete(seq, askResult{})
		return nil, newErr(KindUnreachable, "Ask", "failed to send request", err)
	}

	select {
	case res := <-resultCh:
		if res.errName != "" {
			return nil, newErr(kindFromWireError(res.errName), "Ask", res.errMsg, nil)
		}
		return res.payload, nil
	case <-ctx.Done():
		return nil, newErr(KindTimeout, "Ask", "context cancelled", ctx.Err())
	}
}

// Tell implements worker.Dispatcher: fire-and-forget delivery,
// complete once the frame is written to the socket.
func (b *Broker) Tell(ctx context.Context, workerID, method string, payload json.RawMessage) error {
	if err := b.requireActive("Tell"); err != nil {
		return err
	}
	if e, ok := b.workers.get(workerID); ok {
		b.tellLocal(ctx, e, method, payload)
		return nil
	}

	return b.withRetry(ctx, func() error {
		addr, err := b.resolveOwner(ctx, workerID)
		if err != nil {
			return err
		}
		msg := router.Message{M: method, Wid: workerID, Pl: payload}
		if err := b.rtr.Request(addr, msg); err != nil {
			b.addrs.Evict(workerID)
			return common.Retryable(newErr(KindUnreachable, "Tell", "failed to send message", err))
		}
		return nil
	})
}

func (b *Broker) tellLocal(ctx context.Context, e *workerEntry, method string, payload json.RawMessage) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	switch e.getState() {
	case workerDestroying, workerDestroyed:
		return
	}
	e.handler.OnTell(ctx, e.agent, method, payload)
}

// Destroy implements worker.Dispatcher: removes workerID, locally if
// owned, otherwise by forwarding to its owner. A self-destroy during
// activation is deferred until OnCreate returns; destroying an
// already-destroying worker is an InvalidState error.
func (b *Broker) Destroy(ctx context.Context, workerID string) error {
	e, ok := b.workers.get(workerID)
	if !ok {
		return b.Tell(ctx, workerID, methodDestroyWorker, nil)
	}

	e.stateMu.Lock()
	switch e.state {
	case workerActivating:
		e.pendingDestroy = true
		e.stateMu.Unlock()
		return nil
	case workerDestroying, workerDestroyed:
		e.stateMu.Unlock()
		return newErr(KindInvalidState, "Destroy", "worker already "+e.state.String(), nil)
	}
	e.state = workerDestroying
	e.stateMu.Unlock()

	return b.destroyLocal(ctx, workerID, e, worker.DestroySelf)
}

// destroyLocal tears a local worker down: OnDestroy (error logged and
// ignored), removal from the table, and the registry's destroyWorker
// script. Self-destruction is non-recoverable.
func (b *Broker) destroyLocal(ctx context.Context, workerID string, e *workerEntry, cause worker.DestroyCause) error {
	e.hookMu.Lock()
	if err := e.handler.OnDestroy(ctx, e.agent, worker.DestroyInfo{Cause: cause}); err != nil {
		b.logger.Warn("OnDestroy returned error", zap.String("workerid", workerID), zap.Error(err))
	}
	e.hookMu.Unlock()

	e.setState(workerDestroyed)
	b.workers.delete(workerID)
	b.markLoadDirty()

	if err := b.reg.DestroyWorker(ctx, b.id, workerID, registry.DestroyDiscard); err != nil {
		return newErr(KindRegistryFault, "Destroy", "destroyWorker failed", err)
	}
	return nil
}

// SetWorkerLoad implements worker.Dispatcher: replaces a local
// worker's load value. Rejected for destroyed workers and negative
// values. A non-zero delta is published to cz:<cluster> immediately;
// failure there is logged only, the next dirty tick recomputes.
func (b *Broker) SetWorkerLoad(workerID string, load int) error {
	if load < 0 {
		return newErr(KindInvalidState, "SetWorkerLoad", "negative load", nil)
	}
	e, ok := b.workers.get(workerID)
	if !ok {
		return newErr(KindNotFound, "SetWorkerLoad", "no such local worker", nil)
	}

	e.stateMu.Lock()
	if e.state == workerDestroyed {
		e.stateMu.Unlock()
		return newErr(KindInvalidState, "SetWorkerLoad", "worker destroyed", nil)
	}
	delta := load - e.load
	e.load = load
	e.stateMu.Unlock()

	if delta != 0 {
		b.markLoadDirty()
		b.publishLoad(context.Background(), b.workers.totalLoad())
	}
	return nil
}

func (b *Broker) resolveOwner(ctx context.Context, workerID string) (string, error) {
	if _, brokerAddr, ok := b.addrs.Get(workerID); ok {
		return brokerAddr, nil
	}
	res, err := b.reg.FindBroker(ctx, b.id, workerID)
	if err != nil {
		return "", common.Retryable(newErr(KindRegistryFault, "resolveOwner", "findBroker failed", err))
	}
	switch res.Code {
	case 0:
		b.addrs.Put(workerID, res.BrokerID, res.Addr)
		return res.Addr, nil
	case 2:
		return "", common.Retryable(newErr(KindRetry, "resolveOwner", "owner invalidated, retrying", nil))
	default:
		// code 1 also covers a worker mid-migration; retry so a
		// concurrent salvage/recovery cycle can re-home it, and
		// surface NotFound only once the budget is spent.
		return "", common.Retryable(newErr(KindNotFound, "resolveOwner", "worker not found", nil))
	}
}

func (b *Broker) withRetry(ctx context.Context, fn func() error) error {
	policy := common.RetryPolicy{
		InitialInterval: b.cfg.RetryInitialInterval(),
		MaxInterval:     b.cfg.RetryMaxInterval(),
		Duration:        b.cfg.RetryDuration(),
	}
	return common.Retry(ctx, policy, fn)
}

func kindFromWireError(name string) Kind {
	switch name {
	case "NotFound":
		return KindNotFound
	case "Unreachable":
		return KindUnreachable
	case "Timeout":
		return KindTimeout
	case "InvalidState":
		return KindInvalidState
	case "Protocol":
		return KindProtocol
	default:
		return KindApplicationError
	}
}

// onRequest handles an inbound router frame. An empty wid is
// broker-to-broker RPC dispatched by method name; otherwise the frame
// targets a local worker: Seq present means Ask (must Respond), Seq
// absent means Tell.
func (b *Broker) onRequest(msg router.Message, requesterID uint64) {
	ctx := context.Background()

	if msg.Wid == "" {
		b.onBrokerRequest(ctx, msg, requesterID)
		return
	}

	e, ok := b.workers.get(msg.Wid)
	if !ok {
		if msg.Seq != nil {
			b.respondErr(requesterID, *msg.Seq, "NotFound", "no such worker here")
		}
		return
	}

	if msg.IsTell() {
		if msg.M == methodDestroyWorker {
			if err := b.Destroy(ctx, msg.Wid); err != nil {
				b.logger.Warn("remote destroy failed", zap.String("workerid", msg.Wid), zap.Error(err))
			}
			return
		}
		b.tellLocal(ctx, e, msg.M, msg.Pl)
		return
	}

	res, err := b.askLocal(ctx, e, msg.M, msg.Pl)
	if err != nil {
		var be *Error
		name := "ApplicationError"
		if errors.As(err, &be) {
			name = be.Kind.String()
		}
		b.respondErr(requesterID, *msg.Seq, name, err.Error())
		return
	}
	payload, _ := json.Marshal(router.ResultPayload{Res: res})
	b.rtr.Respond(requesterID, router.Message{Seq: msg.Seq, Pl: payload})
}

// onBrokerRequest dispatches broker-to-broker RPC by method name.
func (b *Broker) onBrokerRequest(ctx context.Context, msg router.Message, requesterID uint64) {
	if msg.Seq == nil {
		b.logger.Debug("ignoring broker tell", zap.String("method", msg.M))
		return
	}
	switch msg.M {
	case methodCreateWorker:
		var req createWorkerPayload
		if err := json.Unmarshal(msg.Pl, &req); err != nil {
			b.respondErr(requesterID, *msg.Seq, "Protocol", "malformed onCreateWorker payload")
			return
		}
		owner, id, err := b.ensure(ctx, req.Name, req.ID, req.Attributes, req.Cause == worker.CauseRecovery, b.registryNow().UnixMilli())
		if err != nil {
			var be *Error
			name := "ApplicationError"
			if errors.As(err, &be) {
				name = be.Kind.String()
			}
			b.respondErr(requesterID, *msg.Seq, name, err.Error())
			return
		}
		res, _ := json.Marshal(createWorkerResult{BrokerID: owner, Name: req.Name, ID: id})
		payload, _ := json.Marshal(router.ResultPayload{Res: res})
		b.rtr.Respond(requesterID, router.Message{Seq: msg.Seq, Pl: payload})
	default:
		b.respondErr(requesterID, *msg.Seq, "NotFound", "unknown broker method "+msg.M)
	}
}

func (b *Broker) respondErr(requesterID uint64, seq uint64, name, message string) {
	payload, _ := json.Marshal(router.ResultPayload{Err: &router.ErrPayload{Name: name, Message: message}})
	b.rtr.Respond(requesterID, router.Message{Seq: &seq, Pl: payload})
}

// onResponse delivers a response frame to the Ask waiting for it.
func (b *Broker) onResponse(msg router.Message) {
	if msg.Seq == nil {
		return
	}
	var rp router.ResultPayload
	if err := json.Unmarshal(msg.Pl, &rp); err != nil {
		b.rpc.complete(*msg.Seq, askResult{errName: "Protocol", errMsg: "malformed response payload"})
		return
	}
	if rp.Err != nil {
		b.rpc.complete(*msg.Seq, askResult{errName: rp.Err.Name, errMsg: rp.Err.Message})
		return
	}
	b.rpc.complete(*msg.Seq, askResult{payload: rp.Res})
}

func (b *Broker) onDisconnect(remoteAddr string) {
	b.logger.Debug("peer connection closed", zap.String("addr", remoteAddr))
}
