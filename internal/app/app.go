// Package app wires the signaling client, the session controller and the
// WebRTC engine into one running chat client.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/chitchat/internal/config"
	"github.com/1ureka/chitchat/internal/session"
	"github.com/1ureka/chitchat/internal/signaling"
	"github.com/1ureka/chitchat/internal/transport"
	"github.com/1ureka/chitchat/internal/util"
)

// ErrSignalingLost is returned by Run when the relay connection drops.
var ErrSignalingLost = errors.New("signaling connection lost")

// Run orchestrates the client lifecycle:
//  1. Connect to the relay
//  2. Start the session controller and the inbound frame loop
//  3. Feed user intents to the controller until intents is closed, ctx is
//     cancelled or the relay goes away
//
// notify receives every controller notice on the controller goroutine.
func Run(ctx context.Context, cfg config.Config, intents <-chan Intent, notify func(session.Notice)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ── 1. Connect to relay ────────────────────────────────────────────
	client, err := signaling.Dial(ctx, cfg.SignalingURL)
	if err != nil {
		return err
	}
	defer client.Close()
	util.LogDebug("signaling connected: %s", cfg.SignalingURL)

	// ── 2. Controller + frame loop ─────────────────────────────────────
	api := transport.NewAPI(transport.APIOptions{IncludeLoopback: cfg.IncludeLoopback})
	ctrl := session.New(session.Options{
		Emitter:   client,
		NewEngine: engineFactory(api, cfg.PionICEServers()),
		Notify:    notify,
		Filters:   cfg.Filters,
	})

	go func() { _ = ctrl.Run(ctx) }()

	listenErr := make(chan error, 1)
	go func() { listenErr <- client.Listen(ctx, ctrl.HandleFrame) }()

	util.StartStatsReporter(ctx, cfg.StatsInterval)

	// ── 3. Intents ─────────────────────────────────────────────────────
	defer func() {
		cancel()
		<-ctrl.Done()
	}()

	for {
		select {
		case in, ok := <-intents:
			if !ok {
				return nil
			}
			if !dispatch(ctrl, in) {
				util.LogWarning("unknown intent %q", in.Kind)
			}

		case err := <-listenErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				return ErrSignalingLost
			}
			return fmt.Errorf("%w: %v", ErrSignalingLost, err)

		case <-ctx.Done():
			return nil
		}
	}
}

// engineFactory adapts transport.NewEngine to the controller's factory type.
func engineFactory(api *webrtc.API, iceServers []webrtc.ICEServer) session.EngineFactory {
	return func(role transport.Role, sendSignal func(signaling.Envelope), cb transport.Callbacks) (session.Negotiator, error) {
		engine, err := transport.NewEngine(role, sendSignal, cb, transport.Options{API: api, ICEServers: iceServers})
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}
