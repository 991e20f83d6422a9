package agent

import (
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultExpires время жизни подписки по умолчанию, секунды
	DefaultExpires = 3600
	// MinExpires минимально допустимое время жизни подписки, секунды
	MinExpires = 90

	defaultUserAgent        = "sip-subscriber/1.0"
	defaultMetricsNamespace = "sip"
)

// ErrInvalidExpires время жизни подписки меньше MinExpires
var ErrInvalidExpires = errors.New("invalid default expires")

// Config конфигурация агента подписок.
//
// Значения читаются из YAML (LoadConfig), затем переопределяются переменными
// окружения SIPSUB_* (ApplyEnv). Пустые поля заполняет SetDefaults.
type Config struct {
	// User - пользователь в From и Contact
	User string `yaml:"user" env:"SIPSUB_USER"`
	// DisplayName - отображаемое имя в From
	DisplayName string `yaml:"display_name" env:"SIPSUB_DISPLAY_NAME"`
	// Domain - домен AOR и целей без домена, по умолчанию хост первого транспорта
	Domain string `yaml:"domain" env:"SIPSUB_DOMAIN"`
	// UserAgent - строка User-Agent
	UserAgent string `yaml:"user_agent" env:"SIPSUB_USER_AGENT"`
	// Contact - значение Contact целиком, по умолчанию строится из первого транспорта
	Contact string `yaml:"contact" env:"SIPSUB_CONTACT"`
	// DefaultExpires - время жизни подписки по умолчанию в секундах
	DefaultExpires int `yaml:"default_expires" env:"SIPSUB_DEFAULT_EXPIRES"`
	// RetryIntervalTooBrief - повторять SUBSCRIBE с Min-Expires после 423
	RetryIntervalTooBrief bool `yaml:"retry_interval_too_brief" env:"SIPSUB_RETRY_INTERVAL_TOO_BRIEF"`
	// TransactionTimeout - таймаут транзакции SUBSCRIBE
	TransactionTimeout time.Duration `yaml:"transaction_timeout" env:"SIPSUB_TRANSACTION_TIMEOUT"`
	// Transports - транспорты для прослушивания, первый используется в Contact
	Transports []TransportConfig `yaml:"transports"`
	// Auth - учетные данные для digest авторизации
	Auth AuthConfig `yaml:"auth"`
	// Metrics - настройки prometheus метрик
	Metrics MetricsConfig `yaml:"metrics"`
}

// AuthConfig учетные данные digest авторизации
type AuthConfig struct {
	Username string `yaml:"username" env:"SIPSUB_AUTH_USERNAME"`
	Password string `yaml:"password" env:"SIPSUB_AUTH_PASSWORD"`
}

// MetricsConfig настройки метрик
type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"SIPSUB_METRICS_NAMESPACE"`
}

// LoadConfig читает конфигурацию из YAML файла.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "failed to read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

// ApplyEnv переопределяет поля конфигурации заданными переменными окружения.
// Незаданные переменные значения не меняют.
func ApplyEnv(cfg *Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return errors.Wrap(err, "failed to decode environment")
	}
	return nil
}

// SetDefaults заполняет пустые поля значениями по умолчанию.
func (c *Config) SetDefaults() {
	if len(c.Transports) == 0 {
		c.Transports = []TransportConfig{DefaultTransportConfig()}
	}
	for i := range c.Transports {
		c.Transports[i].normalize()
		if c.Transports[i].Host == "" {
			c.Transports[i].Host = "127.0.0.1"
		}
	}
	if c.Domain == "" {
		c.Domain = c.Transports[0].Host
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.DefaultExpires == 0 {
		c.DefaultExpires = DefaultExpires
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = defaultMetricsNamespace
	}
}

// Validate проверяет конфигурацию. Вызывается после SetDefaults.
func (c Config) Validate() error {
	if c.User == "" {
		return errors.New("user is empty")
	}
	if c.DefaultExpires < MinExpires {
		return errors.Wrapf(ErrInvalidExpires, "%d is less than %d", c.DefaultExpires, MinExpires)
	}
	if len(c.Transports) == 0 {
		return errors.Wrap(ErrInvalidTransport, "no transports configured")
	}
	for i, tc := range c.Transports {
		if err := tc.Validate(); err != nil {
			return errors.Wrapf(err, "transport #%d", i)
		}
	}
	return nil
}
