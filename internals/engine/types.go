package engine

// Parameter and capability payloads exchanged with the media engine. Field
// names follow the mediasoup v3 wire format so they round-trip untouched
// through the JSON signaling protocol.

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Source identifies what a producer captures, carried in app data.
type Source string

const (
	SourceAudio         Source = "audio"
	SourceVideo         Source = "video"
	SourceScreensharing Source = "screensharing"
)

// Channel identifies the purpose of a data producer, carried in app data.
type Channel string

const (
	ChannelChat Channel = "chat"
	ChannelBot  Channel = "bot"
)

// AppData is the application-scoped metadata attached to transports,
// producers, consumers and their data equivalents. PeerID is empty for
// bot-originated streams.
type AppData struct {
	PeerID  string  `json:"peerId,omitempty"`
	Source  Source  `json:"mediaType,omitempty"`
	Channel Channel `json:"channel,omitempty"`

	// Transport direction flags.
	Producing bool `json:"producing,omitempty"`
	Consuming bool `json:"consuming,omitempty"`
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType int            `json:"preferredPayloadType,omitempty"`
	ClockRate            int            `json:"clockRate"`
	Channels             int            `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
	Direction        string    `json:"direction,omitempty"`
}

// RtpCapabilities is what a router supports or a peer declares it can
// receive.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  int            `json:"payloadType"`
	ClockRate    int            `json:"clockRate"`
	Channels     int            `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI     string         `json:"uri"`
	ID      int            `json:"id"`
	Encrypt bool           `json:"encrypt,omitempty"`
	Params  map[string]any `json:"parameters,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc                  uint32     `json:"ssrc,omitempty"`
	Rid                   string     `json:"rid,omitempty"`
	CodecPayloadType      int        `json:"codecPayloadType,omitempty"`
	Rtx                   *RtpRtxSsrc `json:"rtx,omitempty"`
	Dtx                   bool       `json:"dtx,omitempty"`
	ScalabilityMode       string     `json:"scalabilityMode,omitempty"`
	ScaleResolutionDownBy float64    `json:"scaleResolutionDownBy,omitempty"`
	MaxBitrate            int        `json:"maxBitrate,omitempty"`
}

type RtpRtxSsrc struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
	Mux         bool   `json:"mux,omitempty"`
}

// RtpParameters describe a single sent or received RTP stream.
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             *RtcpParameters                `json:"rtcp,omitempty"`
}

type NumSctpStreams struct {
	OS  int `json:"OS"`
	MIS int `json:"MIS"`
}

type SctpCapabilities struct {
	NumStreams NumSctpStreams `json:"numStreams"`
}

type SctpParameters struct {
	Port           int `json:"port"`
	OS             int `json:"OS"`
	MIS            int `json:"MIS"`
	MaxMessageSize int `json:"maxMessageSize"`
}

type SctpStreamParameters struct {
	StreamID          int  `json:"streamId"`
	Ordered           bool `json:"ordered"`
	MaxPacketLifeTime int  `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    int  `json:"maxRetransmits,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
	TcpType    string `json:"tcpType,omitempty"`
}

type IceState string

const (
	IceStateNew          IceState = "new"
	IceStateConnected    IceState = "connected"
	IceStateCompleted    IceState = "completed"
	IceStateDisconnected IceState = "disconnected"
	IceStateClosed       IceState = "closed"
)

type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

// TransportTuple is the local/remote address pair of a plain transport.
type TransportTuple struct {
	LocalAddress string `json:"localAddress"`
	LocalPort    int    `json:"localPort"`
	RemoteIP     string `json:"remoteIp,omitempty"`
	RemotePort   int    `json:"remotePort,omitempty"`
	Protocol     string `json:"protocol"`
}

type ConsumerType string

const (
	ConsumerTypeSimple    ConsumerType = "simple"
	ConsumerTypeSimulcast ConsumerType = "simulcast"
	ConsumerTypeSvc       ConsumerType = "svc"
	ConsumerTypePipe      ConsumerType = "pipe"
)

type ConsumerLayers struct {
	SpatialLayer  int `json:"spatialLayer"`
	TemporalLayer int `json:"temporalLayer,omitempty"`
}

type ConsumerScore struct {
	Score          int   `json:"score"`
	ProducerScore  int   `json:"producerScore"`
	ProducerScores []int `json:"producerScores,omitempty"`
}

type ProducerScore struct {
	Ssrc  uint32 `json:"ssrc"`
	Rid   string `json:"rid,omitempty"`
	Score int    `json:"score"`
}

// VideoOrientation is reported by video producers when the capture device
// rotates or flips.
type VideoOrientation struct {
	Camera   bool `json:"camera"`
	Flip     bool `json:"flip"`
	Rotation int  `json:"rotation"`
}

// AudioLevelVolume is one entry of a periodic volumes report.
type AudioLevelVolume struct {
	Producer Producer
	Volume   int
}

type TransportTraceEventType string

const TraceEventBwe TransportTraceEventType = "bwe"

type TransportTraceEvent struct {
	Type      TransportTraceEventType `json:"type"`
	Timestamp int64                   `json:"timestamp"`
	Direction string                  `json:"direction"`
	Info      map[string]any          `json:"info"`
}

// PayloadProtocol is the SCTP PPID of a data channel message.
type PayloadProtocol uint32

const (
	PPIDWebRTCString PayloadProtocol = 51
	PPIDWebRTCBinary PayloadProtocol = 53
)

// --- Option structs ---

type WorkerSettings struct {
	LogLevel            string
	LogTags             []string
	DtlsCertificateFile string
	DtlsPrivateKeyFile  string
	DisableLiburing     bool
}

type RouterOptions struct {
	MediaCodecs []RtpCodecCapability
}

type TransportListenInfo struct {
	Protocol         string `json:"protocol" yaml:"protocol"`
	IP               string `json:"ip" yaml:"ip"`
	AnnouncedAddress string `json:"announcedAddress,omitempty" yaml:"announcedAddress"`
	Port             int    `json:"port,omitempty" yaml:"port"`
}

type WebRtcServerOptions struct {
	ListenInfos []TransportListenInfo
}

type WebRtcTransportOptions struct {
	WebRtcServer                    WebRtcServer
	ListenInfos                     []TransportListenInfo
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	InitialAvailableOutgoingBitrate int
	MinimumAvailableOutgoingBitrate int
	EnableSctp                      bool
	NumSctpStreams                  NumSctpStreams
	MaxSctpMessageSize              int
	SctpSendBufferSize              int
	IceConsentTimeout               int
	AppData                         AppData
}

type PlainTransportOptions struct {
	ListenInfo TransportListenInfo
	RtcpMux    bool
	Comedia    bool
	EnableSctp bool
	AppData    AppData
}

type DirectTransportOptions struct {
	MaxMessageSize int
	AppData        AppData
}

type ProducerOptions struct {
	ID                   string
	Kind                 MediaKind
	RtpParameters        RtpParameters
	Paused               bool
	KeyFrameRequestDelay int
	AppData              AppData
}

type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities RtpCapabilities
	Paused          bool
	EnableRtx       bool
	IgnoreDtx       bool
	AppData         AppData
}

type DataProducerOptions struct {
	ID                   string
	SctpStreamParameters *SctpStreamParameters
	Label                string
	Protocol             string
	AppData              AppData
}

type DataConsumerOptions struct {
	DataProducerID string
	Ordered        bool
	AppData        AppData
}

type AudioLevelObserverOptions struct {
	MaxEntries int
	Threshold  int
	Interval   int
}

type ActiveSpeakerObserverOptions struct {
	Interval int
}

type PlainConnectOptions struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	RtcpPort int    `json:"rtcpPort,omitempty"`
}
