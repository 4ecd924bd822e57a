// Command vagabond runs the voice/screen-share/chat hub server: the TCP
// control dispatcher (C5), the two UDP media relays (C6), and the HTTP
// viewer bridge (C7), all bound to one credential store, chat log, and
// session registry, brought up in dependency order and torn down on
// SIGINT via a shared context.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"vagabond/server/bridge"
	"vagabond/server/chatlog"
	"vagabond/server/credstore"
	"vagabond/server/dispatcher"
	"vagabond/server/registry"
	"vagabond/server/sfu"
)

func main() {
	addr := flag.String("addr", ":12345", "TCP control connection listen address")
	bridgeAddr := flag.String("bridge-addr", defaultBridgeAddr, "HTTP viewer bridge listen address")
	voicePort := flag.Int("voice-port", defaultVoicePort, "UDP port for the voice relay")
	videoPort := flag.Int("video-port", defaultVideoPort, "UDP port for the video relay")
	usersPath := flag.String("users", "users.json", "credential store path")
	linksPath := flag.String("telegram-links", "telegram_links.json", "telegram-id-to-username links path")
	historyPath := flag.String("history", "history.log", "chat history log path")
	maxConnections := flag.Int("max-connections", defaultMaxConnections, "maximum total TCP connections (0 = unlimited)")
	perIPLimit := flag.Int("per-ip-limit", defaultPerIPLimit, "maximum TCP connections per source IP (0 = unlimited)")
	rateLimit := flag.Int("control-rate-limit", defaultControlRateLimit, "maximum control records per second per connection")
	idleTimeout := flag.Duration("idle-timeout", defaultIdleTimeout, "idle connection timeout")
	linkPreviews := flag.Bool("link-previews", true, "fetch OpenGraph previews for URLs posted in chat")
	flag.Parse()

	creds, err := credstore.Open(*usersPath, *linksPath)
	if err != nil {
		log.Fatalf("[credstore] %v", err)
	}

	chat, err := chatlog.Open(*historyPath)
	if err != nil {
		log.Fatalf("[chatlog] %v", err)
	}
	defer chat.Close()

	reg := registry.New()

	br := bridge.New()

	voice, err := sfu.Listen(sfu.PortVoice, reg, fmt.Sprintf(":%d", *voicePort))
	if err != nil {
		log.Fatalf("[sfu] voice listen: %v", err)
	}
	defer voice.Close()

	video, err := sfu.Listen(sfu.PortVideo, reg, fmt.Sprintf(":%d", *videoPort))
	if err != nil {
		log.Fatalf("[sfu] video listen: %v", err)
	}
	defer video.Close()

	var preview dispatcher.LinkPreviewer
	if *linkPreviews {
		preview = newLinkPreviewFetcher()
	}

	d := dispatcher.New(dispatcher.Config{
		RateLimitPerSec: *rateLimit,
		MaxConnections:  *maxConnections,
		PerIPLimit:      *perIPLimit,
		IdleTimeout:     *idleTimeout,
	}, reg, creds, chat, br, preview)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("[dispatcher] listen %s: %v", *addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
		ln.Close()
	}()

	go voice.Serve(ctx)
	go video.Serve(ctx)
	go br.Run(ctx, *bridgeAddr)
	go runMetrics(ctx, d, voice, video, metricsInterval)

	log.Printf("[main] control=%s bridge=%s voice=:%d video=:%d", *addr, *bridgeAddr, *voicePort, *videoPort)
	if err := d.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.Fatalf("[dispatcher] %v", err)
	}
	if ctx.Err() != nil {
		log.Printf("[main] draining for up to %s before exit", shutdownGrace)
		time.Sleep(shutdownGrace)
	}
}
