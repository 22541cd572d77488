package call

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/transport"
	"github.com/1ureka/peercall/internal/trickle"
	"github.com/1ureka/peercall/internal/util"
)

type mediaResult struct {
	stream *media.Stream
	err    error
}

// runOffer builds the outgoing side of sess and rings the peer once the offer
// has a usable candidate.
func (m *Machine) runOffer(sess *session) {
	race, ok := m.prepare(sess, func(conn Conn) error {
		offer, err := conn.CreateOffer()
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := conn.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("set local offer: %w", err)
		}
		return nil
	})
	if !ok {
		return
	}
	if m.publish(sess, race, EvOfferReady) {
		util.Stats.AddStarted()
	}
}

// runAnswer builds the incoming side of sess from the remembered offer.
func (m *Machine) runAnswer(sess *session, offer string) {
	race, ok := m.prepare(sess, func(conn Conn) error {
		remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
		if err := conn.SetRemoteDescription(remote); err != nil {
			return fmt.Errorf("apply offer: %w", err)
		}
		answer, err := conn.CreateAnswer()
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := conn.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local answer: %w", err)
		}
		return nil
	})
	if !ok {
		return
	}
	if m.publish(sess, race, EvAnswerReady) {
		util.Stats.AddAnswered()
	}
}

// prepare resolves ICE servers and local media concurrently, creates the
// connection and installs it on sess. negotiate runs on the loop after media
// (or placeholders) are in place; it must leave a local description set.
//
// The returned subscription was taken before negotiate and feeds the gather
// race.
func (m *Machine) prepare(sess *session, negotiate func(Conn) error) (*transport.Subscription, bool) {
	iceCh := m.resolveICE(sess)
	mediaCh := m.acquireMedia(sess)

	var servers []webrtc.ICEServer
	select {
	case servers = <-iceCh:
	case <-sess.ctx.Done():
		go discardMedia(mediaCh)
		return nil, false
	}

	var stream *media.Stream
	if m.opts.EagerMedia {
		var res mediaResult
		select {
		case res = <-mediaCh:
		case <-sess.ctx.Done():
			go discardMedia(mediaCh)
			return nil, false
		}
		if res.err != nil {
			m.step(sess, func() error { return res.err })
			return nil, false
		}
		stream = res.stream
	}

	conn, err := m.opts.NewConn(sess.ctx, servers)
	if err != nil {
		if stream != nil {
			stream.Close()
		}
		if !m.opts.EagerMedia {
			go discardMedia(mediaCh)
		}
		m.step(sess, func() error { return fmt.Errorf("create connection: %w", err) })
		return nil, false
	}

	var race *transport.Subscription
	owned := false
	ok := m.step(sess, func() error {
		m.install(sess, conn, stream)
		owned = true

		if !m.opts.EagerMedia {
			if err := conn.AddPlaceholders(); err != nil {
				return fmt.Errorf("add placeholders: %w", err)
			}
		} else if err := media.Attach(conn, stream, false); err != nil {
			return err
		}

		race = conn.Subscribe()
		return negotiate(conn)
	})
	if !ok {
		if !owned {
			conn.Close()
			if stream != nil {
				stream.Close()
			}
		}
		if !m.opts.EagerMedia {
			go discardMedia(mediaCh)
		}
		return nil, false
	}

	if !m.opts.EagerMedia {
		go m.attachLater(sess, conn, mediaCh)
	}
	return race, true
}

// publish waits for the gather race and hands the resulting description to
// the state machine, which sends it.
func (m *Machine) publish(sess *session, race *transport.Subscription, kind EventKind) bool {
	outcome, err := transport.AwaitGather(sess.ctx, race)
	if err != nil {
		return false
	}

	return m.step(sess, func() error {
		desc := sess.conn.LocalDescription()
		if desc == nil {
			return errors.New("no local description after gathering")
		}
		if kind == EvOfferReady {
			sess.callID = util.CallID(desc.SDP)
		}
		if sum, err := transport.Summarize(desc.SDP); err == nil {
			m.log.Debugf("call [%s] %s after %s: %s", sess.callID, kind, outcome, sum)
		}
		return m.apply(Event{Kind: kind, SDP: desc.SDP})
	})
}

// attachLater waits for local media and sends it on the already negotiated
// connection.
func (m *Machine) attachLater(sess *session, conn Conn, mediaCh <-chan mediaResult) {
	var res mediaResult
	select {
	case res = <-mediaCh:
	case <-sess.ctx.Done():
		go discardMedia(mediaCh)
		return
	}

	attached := false
	m.step(sess, func() error {
		if res.err != nil {
			return res.err
		}
		sess.local = res.stream
		attached = true
		return media.Attach(conn, res.stream, true)
	})
	if !attached && res.stream != nil {
		res.stream.Close()
	}
}

func (m *Machine) resolveICE(sess *session) <-chan []webrtc.ICEServer {
	ch := make(chan []webrtc.ICEServer, 1)
	go func() {
		servers, err := m.opts.ICE.ICEServers(sess.ctx)
		if err != nil && sess.ctx.Err() == nil {
			m.log.Warnf("ICE server lookup failed, continuing without servers: %v", err)
		}
		ch <- servers
	}()
	return ch
}

func (m *Machine) acquireMedia(sess *session) <-chan mediaResult {
	ch := make(chan mediaResult, 1)
	go func() {
		s, err := media.Acquire(sess.ctx, m.opts.Media)
		ch <- mediaResult{stream: s, err: err}
	}()
	return ch
}

func discardMedia(ch <-chan mediaResult) {
	if res := <-ch; res.stream != nil {
		res.stream.Close()
	}
}

// install makes conn the connection of sess and starts forwarding its events
// to the loop.
func (m *Machine) install(sess *session, conn Conn, stream *media.Stream) {
	sess.conn = conn
	sess.local = stream
	sess.trickle = trickle.NewBuffer(conn)
	sess.events = conn.Subscribe()
	go m.forward(sess)
}

func (m *Machine) forward(sess *session) {
	for {
		ev, err := sess.events.Next(sess.ctx)
		if err != nil {
			return
		}
		if !m.do(func() {
			if m.sess == sess {
				m.onConnEvent(sess, ev)
			}
		}) {
			return
		}
	}
}

// onConnEvent handles one connection event on the loop.
func (m *Machine) onConnEvent(sess *session, ev transport.Event) {
	switch e := ev.(type) {
	case transport.CandidateEvent:
		var env trickle.Envelope
		if e.Candidate != nil {
			init := e.Candidate.Init
			env.Candidate = &init
		}
		if err := sess.trickle.Push(env); err != nil {
			m.log.Warnf("send candidate: %v", err)
		}

	case transport.ChannelOpenEvent:
		n := sess.trickle.Len()
		if err := sess.trickle.Open(); err != nil {
			m.log.Warnf("flush candidates: %v", err)
		}
		m.log.Debugf("trickle channel open, flushed %d queued candidate(s)", n)

	case transport.ChannelMessageEvent:
		env, err := trickle.Decode(e.Text)
		if err != nil {
			m.log.Warnf("ignoring trickle message: %v", err)
			return
		}
		var init webrtc.ICECandidateInit
		if !env.EndOfCandidates() {
			init = *env.Candidate
			util.Stats.AddCandidateRecv()
		}
		if err := sess.conn.AddICECandidate(init); err != nil {
			m.log.Warnf("add remote candidate: %v", err)
		}

	case transport.TrackEvent:
		if sess.remote == nil {
			sess.remote = media.NewRemoteStream(m.opts.OnPacket)
			if m.opts.OnRemoteStream != nil {
				m.opts.OnRemoteStream(sess.remote)
			}
		}
		if e.Track != nil {
			sess.remote.Add(sess.ctx, e.Track)
		}
		prev := m.state
		if err := m.apply(Event{Kind: EvTrack}); err != nil {
			m.log.Warnf("remote track while %s", m.state)
			return
		}
		if prev != InCall {
			util.Stats.AddConnected()
			m.log.Infof("call [%s] connected", sess.callID)
		}

	case transport.StateEvent:
		m.log.Debugf("connection %s", e.State)
		if e.State == webrtc.PeerConnectionStateFailed {
			m.log.Warnf("call [%s] connection failed", sess.callID)
		}
	}
}
