package transports

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pionopus "github.com/pion/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	hrabanopus "gopkg.in/hraban/opus.v2"

	"github.com/square-key-labs/strawgo-ai/src/frames"
	"github.com/square-key-labs/strawgo-ai/src/processors"
)

const (
	webrtcSampleRate = 48000
	webrtcChannels   = 1
	webrtcFrameSize  = webrtcSampleRate / 50 // 20ms frames
)

// signalingMessage mirrors the JSON envelope the browser client sends over
// the signaling WebSocket: {"type": "offer"|"ice-candidate"|"renegotiate",
// "payload": {...}}.
type signalingMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type offerPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id,omitempty"`
}

type answerPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

type iceCandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	PCID          string  `json:"pc_id"`
}

// WebRTCConfig configures the WebRTC signaling transport.
type WebRTCConfig struct {
	Port       int
	Path       string
	ICEServers []string
}

// WebRTCTransport terminates browser WebRTC calls: JSON offer/answer/ICE
// signaling rides a WebSocket (same shape as the carrier transports'
// signaling channel), while the actual call audio flows over a pion
// PeerConnection's Opus track, decoded to/from the internal PCM AudioFrame
// the rest of the pipeline expects. Structurally this mirrors
// WebSocketTransport: a transport owns an input/output processor pair and a
// map of live connections, just keyed by pc_id instead of a raw ws
// connection id, since a signaling socket can renegotiate the same peer
// connection multiple times.
type WebRTCTransport struct {
	port       int
	path       string
	iceServers []string

	inputProc  *WebRTCInputProcessor
	outputProc *WebRTCOutputProcessor

	server   *http.Server
	upgrader websocket.Upgrader

	connMu sync.RWMutex
	conns  map[string]*webrtcConnection
}

type webrtcConnection struct {
	pcID   string
	pc     *webrtc.PeerConnection
	ws     *websocket.Conn
	wsMu   sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	encoder *hrabanopus.Encoder
	track   *webrtc.TrackLocalStaticSample
}

// NewWebRTCTransport creates a new WebRTC signaling+media transport.
func NewWebRTCTransport(config WebRTCConfig) *WebRTCTransport {
	if config.Path == "" {
		config.Path = "/webrtc"
	}
	if len(config.ICEServers) == 0 {
		config.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}

	t := &WebRTCTransport{
		port:       config.Port,
		path:       config.Path,
		iceServers: config.ICEServers,
		conns:      make(map[string]*webrtcConnection),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	t.inputProc = newWebRTCInputProcessor(t)
	t.outputProc = newWebRTCOutputProcessor(t)
	return t
}

// Input returns the input processor.
func (t *WebRTCTransport) Input() processors.FrameProcessor { return t.inputProc }

// Output returns the output processor.
func (t *WebRTCTransport) Output() processors.FrameProcessor { return t.outputProc }

// Start begins listening for signaling connections.
func (t *WebRTCTransport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleSignaling)

	t.server = &http.Server{Addr: fmt.Sprintf(":%d", t.port), Handler: mux}

	go func() {
		<-ctx.Done()
		if err := t.server.Shutdown(context.Background()); err != nil {
			log.Printf("WebRTC signaling server shutdown error: %v", err)
		}
	}()

	log.Printf("WebRTC transport listening on %s%s", t.server.Addr, t.path)
	if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebRTC signaling server error: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) handleSignaling(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebRTC signaling upgrade error: %v", err)
		return
	}
	defer conn.Close()

	for {
		var msg signalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebRTC signaling read error: %v", err)
			}
			return
		}

		switch msg.Type {
		case "offer":
			t.handleOffer(conn, msg.Payload)
		case "ice-candidate":
			t.handleICECandidate(msg.Payload)
		case "renegotiate":
			t.handleOffer(conn, msg.Payload)
		default:
			log.Printf("WebRTC signaling: unknown message type %q", msg.Type)
		}
	}
}

func (t *WebRTCTransport) handleOffer(ws *websocket.Conn, raw json.RawMessage) {
	var offer offerPayload
	if err := json.Unmarshal(raw, &offer); err != nil {
		log.Printf("WebRTC signaling: bad offer payload: %v", err)
		return
	}

	t.connMu.RLock()
	existing, reuse := t.conns[offer.PCID]
	t.connMu.RUnlock()

	var wc *webrtcConnection
	var err error
	if reuse {
		wc = existing
		err = t.renegotiate(wc, offer.SDP)
	} else {
		wc, err = t.newPeerConnection(offer.PCID, ws)
		if err == nil {
			err = t.initPeerConnection(wc, offer.SDP)
		}
	}
	if err != nil {
		log.Printf("WebRTC signaling: offer handling failed: %v", err)
		return
	}

	answer := wc.pc.LocalDescription()
	resp := signalingMessage{Type: "answer"}
	resp.Payload, _ = json.Marshal(answerPayload{SDP: answer.SDP, Type: "answer", PCID: wc.pcID})

	wc.wsMu.Lock()
	err = ws.WriteJSON(resp)
	wc.wsMu.Unlock()
	if err != nil {
		log.Printf("WebRTC signaling: send answer failed: %v", err)
	}
}

func (t *WebRTCTransport) handleICECandidate(raw json.RawMessage) {
	var payload iceCandidatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		log.Printf("WebRTC signaling: bad ice-candidate payload: %v", err)
		return
	}

	t.connMu.RLock()
	wc, ok := t.conns[payload.PCID]
	t.connMu.RUnlock()
	if !ok {
		return
	}

	cand := webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        payload.SDPMid,
		SDPMLineIndex: payload.SDPMLineIndex,
	}
	if err := wc.pc.AddICECandidate(cand); err != nil {
		log.Printf("WebRTC signaling: add ICE candidate failed: %v", err)
	}
}

func (t *WebRTCTransport) iceServerConfig() webrtc.Configuration {
	urls := append([]string(nil), t.iceServers...)
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: urls}}}
}

func (t *WebRTCTransport) newPeerConnection(pcID string, ws *websocket.Conn) (*webrtcConnection, error) {
	if pcID == "" {
		pcID = fmt.Sprintf("pc-%p", ws)
	}

	pc, err := webrtc.NewPeerConnection(t.iceServerConfig())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: webrtcSampleRate, Channels: webrtcChannels},
		"audio", "strawgo",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}

	enc, err := hrabanopus.NewEncoder(webrtcSampleRate, webrtcChannels, hrabanopus.AppVoIP)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wc := &webrtcConnection{pcID: pcID, pc: pc, ws: ws, ctx: ctx, cancel: cancel, encoder: enc, track: track}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, _ := json.Marshal(iceCandidatePayload{Candidate: c.ToJSON().Candidate, PCID: pcID})
		wc.wsMu.Lock()
		_ = ws.WriteJSON(signalingMessage{Type: "ice-candidate", Payload: payload})
		wc.wsMu.Unlock()
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("[WebRTC] %s connection state: %s", pcID, s)
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed || s == webrtc.PeerConnectionStateDisconnected {
			t.closeConnection(pcID)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.readRemoteTrack(wc, remote)
	})

	t.connMu.Lock()
	t.conns[pcID] = wc
	t.connMu.Unlock()

	return wc, nil
}

func (t *WebRTCTransport) initPeerConnection(wc *webrtcConnection, offerSDP string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := wc.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := wc.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	// The answer goes back without waiting for ICE gathering; candidates
	// are streamed afterwards by the OnICECandidate handler.
	if err := wc.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) renegotiate(wc *webrtcConnection, offerSDP string) error {
	return t.initPeerConnection(wc, offerSDP)
}

func (t *WebRTCTransport) closeConnection(pcID string) {
	t.connMu.Lock()
	wc, ok := t.conns[pcID]
	if ok {
		delete(t.conns, pcID)
	}
	t.connMu.Unlock()
	if !ok {
		return
	}
	wc.cancel()
	wc.pc.Close()
	if err := t.inputProc.pushFrame(frames.NewEndFrame()); err != nil {
		log.Printf("[WebRTC] error pushing end frame for %s: %v", pcID, err)
	}
}

// readRemoteTrack decodes incoming Opus RTP packets into 16-bit PCM and
// pushes them downstream as AudioFrames, the same role
// WebSocketTransport.handleWebSocket plays for carrier-serialized audio.
//
// Decoding uses pion/opus's pure-Go decoder rather than the cgo-backed
// hraban binding: this is the hot receive path for every inbound RTP
// packet, and avoiding cgo here keeps it cheap. The cgo encoder is kept for
// the outbound direction below, where libopus's bitrate/complexity controls
// matter more than per-packet overhead.
func (t *WebRTCTransport) readRemoteTrack(wc *webrtcConnection, remote *webrtc.TrackRemote) {
	dec := pionopus.NewDecoder()
	out := make([]float32, webrtcFrameSize*webrtcChannels)

	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}

		_, _, err = dec.Decode(pkt.Payload, out)
		if err != nil {
			log.Printf("[WebRTC] opus decode error for %s: %v", wc.pcID, err)
			continue
		}

		pcmBytes := float32SliceToPCM16Bytes(out)
		audioFrame := frames.NewAudioFrame(pcmBytes, webrtcSampleRate, webrtcChannels)
		if err := t.inputProc.pushAudioFrame(audioFrame); err != nil {
			log.Printf("[WebRTC] error pushing audio frame for %s: %v", wc.pcID, err)
		}
	}
}

// writeAudio encodes a PCM AudioFrame to Opus and writes it to every active
// peer connection's outbound track.
func (t *WebRTCTransport) writeAudio(frame *frames.AudioFrame) error {
	t.connMu.RLock()
	defer t.connMu.RUnlock()

	pcm := bytesToInt16Slice(frame.Data)
	buf := make([]byte, 4000)

	for _, wc := range t.conns {
		n, err := wc.encoder.Encode(pcm, buf)
		if err != nil {
			log.Printf("[WebRTC] opus encode error for %s: %v", wc.pcID, err)
			continue
		}
		sample := media.Sample{Data: append([]byte(nil), buf[:n]...), Duration: frameDuration(len(pcm), webrtcSampleRate)}
		if err := wc.track.WriteSample(sample); err != nil {
			log.Printf("[WebRTC] write sample error for %s: %v", wc.pcID, err)
		}
	}
	return nil
}

// WebRTCInputProcessor forwards decoded audio/signaling frames downstream,
// mirroring WebSocketInputProcessor.
type WebRTCInputProcessor struct {
	*processors.BaseProcessor
	transport *WebRTCTransport
}

func newWebRTCInputProcessor(transport *WebRTCTransport) *WebRTCInputProcessor {
	p := &WebRTCInputProcessor{transport: transport}
	p.BaseProcessor = processors.NewBaseProcessor("WebRTCInput", p)
	return p
}

func (p *WebRTCInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		p.HandleStartFrame(startFrame)
	}
	return p.PushFrame(frame, direction)
}

func (p *WebRTCInputProcessor) pushFrame(frame frames.Frame) error {
	return p.BaseProcessor.PushFrame(frame, frames.Downstream)
}

func (p *WebRTCInputProcessor) pushAudioFrame(frame *frames.AudioFrame) error {
	return p.BaseProcessor.PushFrame(frame, frames.Downstream)
}

// WebRTCOutputProcessor encodes outgoing TTSAudioFrames to Opus and writes
// them to the active peer connections' local tracks.
type WebRTCOutputProcessor struct {
	*processors.BaseProcessor
	transport *WebRTCTransport
}

func newWebRTCOutputProcessor(transport *WebRTCTransport) *WebRTCOutputProcessor {
	p := &WebRTCOutputProcessor{transport: transport}
	p.BaseProcessor = processors.NewBaseProcessor("WebRTCOutput", p)
	return p
}

func (p *WebRTCOutputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.TTSAudioFrame:
		if err := p.transport.writeAudio(f.AudioFrame); err != nil {
			return err
		}
		return nil
	case *frames.AudioFrame:
		// Mic audio looped back downstream; WebRTC never echoes it, same as
		// WebSocketOutputProcessor.
		return nil
	default:
		return p.PushFrame(frame, direction)
	}
}

func frameDuration(samples, sampleRate int) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

func bytesToInt16Slice(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

func float32SliceToPCM16Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
