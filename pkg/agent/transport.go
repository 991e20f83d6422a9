package agent

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TransportType тип транспортного протокола
type TransportType string

const (
	// TransportUDP - UDP транспорт
	TransportUDP TransportType = "UDP"
	// TransportTCP - TCP транспорт
	TransportTCP TransportType = "TCP"
	// TransportWS - WebSocket транспорт
	TransportWS TransportType = "WS"
)

// ErrInvalidTransport некорректная конфигурация транспорта
var ErrInvalidTransport = errors.New("invalid transport")

// TransportConfig конфигурация одного транспорта
type TransportConfig struct {
	// Type - тип транспорта (udp, tcp, ws)
	Type TransportType `yaml:"type"`
	// Host - адрес для прослушивания
	Host string `yaml:"host"`
	// Port - порт, 0 означает порт по умолчанию для типа
	Port int `yaml:"port"`
}

// DefaultTransportConfig возвращает конфигурацию транспорта по умолчанию (UDP)
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Type: TransportUDP,
		Host: "127.0.0.1",
		Port: 5060,
	}
}

// normalize приводит тип к верхнему регистру, в YAML удобнее писать "udp"
func (tc *TransportConfig) normalize() {
	tc.Type = TransportType(strings.ToUpper(strings.TrimSpace(string(tc.Type))))
}

// Validate проверяет корректность конфигурации транспорта
func (tc TransportConfig) Validate() error {
	switch tc.Type {
	case TransportUDP, TransportTCP, TransportWS:
	case "":
		return errors.Wrap(ErrInvalidTransport, "transport type is empty")
	default:
		return errors.Wrapf(ErrInvalidTransport, "unknown transport type %q", tc.Type)
	}
	if tc.Port < 0 || tc.Port > 65535 {
		return errors.Wrapf(ErrInvalidTransport, "port %d out of range", tc.Port)
	}
	return nil
}

// Network возвращает сеть для sipgo ListenAndServe
func (tc TransportConfig) Network() string {
	switch tc.Type {
	case TransportTCP:
		return "tcp"
	case TransportWS:
		return "ws"
	default:
		return "udp"
	}
}

// TransportParam значение параметра transport в Contact
func (tc TransportConfig) TransportParam() string {
	return tc.Network()
}

// DefaultPort порт по умолчанию для типа транспорта
func (tc TransportConfig) DefaultPort() int {
	if tc.Type == TransportWS {
		return 80
	}
	return 5060
}

// ListenPort порт с учетом значения по умолчанию
func (tc TransportConfig) ListenPort() int {
	if tc.Port == 0 {
		return tc.DefaultPort()
	}
	return tc.Port
}

// Addr адрес для прослушивания host:port
func (tc TransportConfig) Addr() string {
	return net.JoinHostPort(tc.Host, strconv.Itoa(tc.ListenPort()))
}
