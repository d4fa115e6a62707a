package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"devicelink/crypto"
	"devicelink/models"
)

// Line prefixes reserved by the transport layer.
const (
	PrefixDiscover  = "DISCOVER"
	PrefixHeartbeat = "HEARTBEAT"
	PrefixHandshake = "HANDSHAKE"
	PrefixAccept    = "ACCEPT"
	PrefixReject    = "REJECT"
	PrefixProbe     = "PROBE"
)

const (
	// UUIDLength is the fixed length of a canonical device uuid.
	UUIDLength = 36
	// MaxLineSize bounds one inbound line.
	MaxLineSize = 256 * 1024

	fieldSeparator = ":"
	minHelloFields = 6
)

var (
	// ErrMalformed indicates a line that does not parse into its expected fields.
	ErrMalformed = errors.New("protocol: malformed line")
	// ErrLineTooLong indicates an inbound line over MaxLineSize.
	ErrLineTooLong = errors.New("protocol: line exceeds max size")
	// ErrReservedHeader indicates a channel header that collides with a transport prefix.
	ErrReservedHeader = errors.New("protocol: reserved channel header")
)

var headerPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// Kind is the classification of an inbound stream line.
type Kind int

const (
	KindUnknown Kind = iota
	KindHandshake
	KindHeartbeat
	KindDiscover
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindHeartbeat:
		return "heartbeat"
	case KindDiscover:
		return "discover"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Classify reports which parser should handle line.
func Classify(line string) Kind {
	switch {
	case strings.HasPrefix(line, PrefixHandshake+fieldSeparator):
		return KindHandshake
	case strings.HasPrefix(line, PrefixHeartbeat+fieldSeparator):
		return KindHeartbeat
	case strings.HasPrefix(line, PrefixDiscover+fieldSeparator):
		return KindDiscover
	}
	if _, err := ParseData(line); err == nil {
		return KindData
	}
	return KindUnknown
}

// Discover is a presence announcement.
type Discover struct {
	UUID        string
	DisplayName string
	Port        int
}

// Encode renders DISCOVER:<uuid>:<base64url(name)>:<port>.
func (d Discover) Encode() string {
	return strings.Join([]string{
		PrefixDiscover,
		d.UUID,
		encodeName(d.DisplayName),
		strconv.Itoa(d.Port),
	}, fieldSeparator)
}

// ParseDiscover parses a DISCOVER line.
func ParseDiscover(line string) (Discover, error) {
	fields := strings.Split(line, fieldSeparator)
	if len(fields) != 4 || fields[0] != PrefixDiscover {
		return Discover{}, fmt.Errorf("%w: discover arity %d", ErrMalformed, len(fields))
	}
	if !validUUID(fields[1]) {
		return Discover{}, fmt.Errorf("%w: discover uuid", ErrMalformed)
	}
	port, err := parsePort(fields[3])
	if err != nil {
		return Discover{}, err
	}
	return Discover{
		UUID:        fields[1],
		DisplayName: decodeName(fields[2]),
		Port:        port,
	}, nil
}

// Heartbeat is a liveness tick. Fields are packed without separators.
type Heartbeat struct {
	UUID       string
	Battery    int
	DeviceType string
}

// Encode renders HEARTBEAT:<uuid><battery><deviceType>.
func (h Heartbeat) Encode() string {
	var b strings.Builder
	b.WriteString(PrefixHeartbeat)
	b.WriteString(fieldSeparator)
	b.WriteString(h.UUID)
	if h.Battery >= 0 {
		b.WriteString(strconv.Itoa(clampBattery(h.Battery)))
	}
	b.WriteString(h.DeviceType)
	return b.String()
}

// ParseHeartbeat parses a HEARTBEAT line.
func ParseHeartbeat(line string) (Heartbeat, error) {
	body, ok := strings.CutPrefix(line, PrefixHeartbeat+fieldSeparator)
	if !ok || len(body) < UUIDLength {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat too short", ErrMalformed)
	}
	id := body[:UUIDLength]
	if !validUUID(id) {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat uuid", ErrMalformed)
	}
	rest := body[UUIDLength:]

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	battery := models.BatteryUnknown
	if digits > 0 {
		value, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return Heartbeat{}, fmt.Errorf("%w: heartbeat battery", ErrMalformed)
		}
		battery = clampBattery(value)
	}
	deviceType := rest[digits:]
	if deviceType != "" && !validDeviceType(deviceType) {
		return Heartbeat{}, fmt.Errorf("%w: heartbeat device type", ErrMalformed)
	}

	return Heartbeat{UUID: id, Battery: battery, DeviceType: deviceType}, nil
}

// Hello is the body shared by HANDSHAKE requests and ACCEPT responses.
type Hello struct {
	UUID        string
	PublicKey   string
	IP          string
	Battery     int
	DeviceType  string
	Port        int
	DisplayName string
}

// EncodeHandshake renders a HANDSHAKE request line.
func (h Hello) EncodeHandshake() string {
	return h.encode(PrefixHandshake)
}

// EncodeAccept renders an ACCEPT response line.
func (h Hello) EncodeAccept() string {
	return h.encode(PrefixAccept)
}

func (h Hello) encode(prefix string) string {
	battery := h.Battery
	if battery >= 0 {
		battery = clampBattery(battery)
	}
	fields := []string{
		prefix,
		h.UUID,
		h.PublicKey,
		EncodeIPField(h.IP),
		strconv.Itoa(battery),
		h.DeviceType,
	}
	if h.Port > 0 {
		fields = append(fields, strconv.Itoa(h.Port))
		if h.DisplayName != "" {
			fields = append(fields, encodeName(h.DisplayName))
		}
	}
	return strings.Join(fields, fieldSeparator)
}

// ParseHandshake parses a HANDSHAKE request line.
func ParseHandshake(line string) (Hello, error) {
	return parseHello(line, PrefixHandshake)
}

// ParseAccept parses an ACCEPT response line.
func ParseAccept(line string) (Hello, error) {
	return parseHello(line, PrefixAccept)
}

func parseHello(line, prefix string) (Hello, error) {
	fields := strings.Split(line, fieldSeparator)
	if len(fields) < minHelloFields || fields[0] != prefix {
		return Hello{}, fmt.Errorf("%w: %s arity %d", ErrMalformed, strings.ToLower(prefix), len(fields))
	}
	if !validUUID(fields[1]) {
		return Hello{}, fmt.Errorf("%w: %s uuid", ErrMalformed, strings.ToLower(prefix))
	}
	if _, err := crypto.ParsePublicKey(fields[2]); err != nil {
		return Hello{}, fmt.Errorf("%w: %s public key: %v", ErrMalformed, strings.ToLower(prefix), err)
	}

	hello := Hello{
		UUID:       fields[1],
		PublicKey:  fields[2],
		IP:         DecodeIPField(fields[3]),
		Battery:    models.BatteryUnknown,
		DeviceType: fields[5],
	}
	if value, err := strconv.Atoi(fields[4]); err == nil && value >= 0 {
		hello.Battery = clampBattery(value)
	}
	if hello.DeviceType != "" && !validDeviceType(hello.DeviceType) {
		hello.DeviceType = ""
	}
	if len(fields) > 6 {
		if port, err := parsePort(fields[6]); err == nil {
			hello.Port = port
		}
	}
	if len(fields) > 7 {
		hello.DisplayName = decodeName(fields[7])
	}
	return hello, nil
}

// EncodeReject renders REJECT:<uuid>.
func EncodeReject(selfUUID string) string {
	return PrefixReject + fieldSeparator + selfUUID
}

// Response is the parsed reply to a HANDSHAKE line.
type Response struct {
	Accepted bool
	// UUID is set for both outcomes.
	UUID  string
	Hello Hello
}

// ParseResponse parses an ACCEPT or REJECT line.
func ParseResponse(line string) (Response, error) {
	if body, ok := strings.CutPrefix(line, PrefixReject+fieldSeparator); ok {
		return Response{UUID: body}, nil
	}
	if line == PrefixReject {
		return Response{}, nil
	}
	hello, err := ParseAccept(line)
	if err != nil {
		return Response{}, err
	}
	return Response{Accepted: true, UUID: hello.UUID, Hello: hello}, nil
}

// Data is one encrypted channel line.
type Data struct {
	Header    string
	UUID      string
	PublicKey string
	Payload   string
}

// Encode renders <HEADER>:<uuid>:<pub>:<payload>.
func (d Data) Encode() string {
	return strings.Join([]string{d.Header, d.UUID, d.PublicKey, d.Payload}, fieldSeparator)
}

// ParseData parses an encrypted channel line.
func ParseData(line string) (Data, error) {
	fields := strings.SplitN(line, fieldSeparator, 4)
	if len(fields) != 4 {
		return Data{}, fmt.Errorf("%w: data arity %d", ErrMalformed, len(fields))
	}
	if err := ValidateHeader(fields[0]); err != nil {
		return Data{}, err
	}
	if fields[1] == "" || fields[3] == "" || strings.Contains(fields[3], fieldSeparator) {
		return Data{}, fmt.Errorf("%w: data fields", ErrMalformed)
	}
	return Data{
		Header:    fields[0],
		UUID:      fields[1],
		PublicKey: fields[2],
		Payload:   fields[3],
	}, nil
}

// ValidateHeader checks a channel header against the naming convention.
func ValidateHeader(header string) error {
	if !headerPattern.MatchString(header) {
		return fmt.Errorf("%w: header %q", ErrMalformed, header)
	}
	switch header {
	case PrefixDiscover, PrefixHeartbeat, PrefixHandshake, PrefixAccept, PrefixReject, PrefixProbe:
		return ErrReservedHeader
	}
	return nil
}

// Probe is the plaintext of a manual-mode discovery probe.
type Probe struct {
	UUID string
	Port int
}

// Encode renders PROBE:<uuid>:<port>.
func (p Probe) Encode() string {
	return strings.Join([]string{PrefixProbe, p.UUID, strconv.Itoa(p.Port)}, fieldSeparator)
}

// ParseProbe parses decrypted probe plaintext.
func ParseProbe(plaintext string) (Probe, error) {
	fields := strings.Split(plaintext, fieldSeparator)
	if len(fields) != 3 || fields[0] != PrefixProbe || !validUUID(fields[1]) {
		return Probe{}, fmt.Errorf("%w: probe", ErrMalformed)
	}
	port, err := parsePort(fields[2])
	if err != nil {
		return Probe{}, err
	}
	return Probe{UUID: fields[1], Port: port}, nil
}

// EncodeIPField makes an address safe for a colon-delimited field.
func EncodeIPField(ip string) string {
	return strings.ReplaceAll(ip, ":", "-")
}

// DecodeIPField reverses EncodeIPField.
func DecodeIPField(field string) string {
	return strings.ReplaceAll(field, "-", ":")
}

func encodeName(name string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(name))
}

func decodeName(field string) string {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(field, "="))
	if err != nil {
		return ""
	}
	return string(raw)
}

func parsePort(field string) (int, error) {
	port, err := strconv.Atoi(field)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: port %q", ErrMalformed, field)
	}
	return port, nil
}

func validUUID(value string) bool {
	if len(value) != UUIDLength {
		return false
	}
	return !strings.Contains(value, fieldSeparator)
}

func validDeviceType(value string) bool {
	for _, r := range value {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return value != ""
}

func clampBattery(value int) int {
	if value > 100 {
		return 100
	}
	if value < 0 {
		return 0
	}
	return value
}
