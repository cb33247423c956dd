// Package config loads the daemon configuration from BATCHAUCTION_ prefixed
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/cloudx-io/batchauction/auction"
	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/fees"
)

const (
	// ListenerKey selects the transport of the daemon: "vsock" inside an enclave or "tcp"
	ListenerKey = "LISTENER"
	// VsockPortKey is the vsock port the daemon listens on
	VsockPortKey = "VSOCK_PORT"
	// TCPAddrKey is the address the daemon listens on when LISTENER=tcp
	TCPAddrKey = "TCP_ADDR"
	// MaxWorkersKey bounds the number of connections served concurrently
	MaxWorkersKey = "MAX_WORKERS"
	// ReadTimeoutKey is how long a connection has to send its request
	ReadTimeoutKey = "READ_TIMEOUT"
	// DatadirKey is the local data directory to store the internal state of daemon
	DatadirKey = "DATADIR"
	// DBTypeKey is used to switch database type between those supported
	DBTypeKey = "DB_TYPE"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// MinAuctionDurationKey is the shortest accepted lot duration
	MinAuctionDurationKey = "MIN_AUCTION_DURATION"
	// MinBidPercentKey is the lowest accepted minimum bid size of a lot, in percent of its capacity value
	MinBidPercentKey = "MIN_BID_PERCENT"
	// SettlePeriodKey is how long a concluded lot can be settled before it may be aborted
	SettlePeriodKey = "SETTLE_PERIOD"
	// ProtocolFeeKey is the protocol share of cleared proceeds, in percent
	ProtocolFeeKey = "PROTOCOL_FEE"
	// ReferrerFeeKey is the referrer share of cleared proceeds, in percent
	ReferrerFeeKey = "REFERRER_FEE"
	// MaxCuratorFeeKey is the highest curator fee a seller may grant, in percent
	MaxCuratorFeeKey = "MAX_CURATOR_FEE"
	// ProtocolRecipientKey is the account credited with protocol fees
	ProtocolRecipientKey = "PROTOCOL_RECIPIENT"
	// MetricsAddrKey is the address of the prometheus endpoint; empty disables it
	MetricsAddrKey = "METRICS_ADDR"
	// AttestationModeKey selects the attester: "nsm" inside a Nitro enclave or "local"
	AttestationModeKey = "ATTESTATION_MODE"

	DbLocation = "db"

	ListenerVsock = "vsock"
	ListenerTCP   = "tcp"

	DBBadger   = "badger"
	DBInMemory = "inmemory"

	AttestationNSM   = "nsm"
	AttestationLocal = "local"
)

var vip *viper.Viper
var defaultDatadir = filepath.Join(os.TempDir(), "batchauction")

func InitConfig() error {
	vip = viper.New()
	vip.SetEnvPrefix("BATCHAUCTION")
	vip.AutomaticEnv()

	vip.SetDefault(ListenerKey, ListenerVsock)
	vip.SetDefault(VsockPortKey, 5000)
	vip.SetDefault(TCPAddrKey, ":9945")
	vip.SetDefault(MaxWorkersKey, 16)
	vip.SetDefault(ReadTimeoutKey, 30*time.Second)
	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(DBTypeKey, DBBadger)
	vip.SetDefault(LogLevelKey, 4)
	vip.SetDefault(MinAuctionDurationKey, time.Hour)
	vip.SetDefault(MinBidPercentKey, "0.01")
	vip.SetDefault(SettlePeriodKey, 24*time.Hour)
	vip.SetDefault(ProtocolFeeKey, "0")
	vip.SetDefault(ReferrerFeeKey, "0")
	vip.SetDefault(MaxCuratorFeeKey, "5")
	vip.SetDefault(ProtocolRecipientKey, "protocol")
	vip.SetDefault(MetricsAddrKey, ":9100")
	vip.SetDefault(AttestationModeKey, AttestationNSM)

	if err := validate(); err != nil {
		return fmt.Errorf("error while validating config: %s", err)
	}

	if GetString(DBTypeKey) == DBBadger {
		if err := makeDirectoryIfNotExists(filepath.Join(GetDatadir(), DbLocation)); err != nil {
			return fmt.Errorf("error while creating datadir: %s", err)
		}
	}

	return nil
}

func GetString(key string) string {
	return vip.GetString(key)
}

func GetInt(key string) int {
	return vip.GetInt(key)
}

func GetDuration(key string) time.Duration {
	return vip.GetDuration(key)
}

func GetDatadir() string {
	return GetString(DatadirKey)
}

func GetDbDir() string {
	return filepath.Join(GetDatadir(), DbLocation)
}

// Set a value for the given key
func Set(key string, value any) {
	vip.Set(key, value)
}

func GetLogLevel() log.Level {
	return log.Level(GetInt(LogLevelKey))
}

// GetPercent parses a percent string key to the 1e5 fixed-point scale.
func GetPercent(key string) (uint32, error) {
	p, err := core.ParsePercent(GetString(key))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return p, nil
}

// GetAuctionConfig returns the protocol limits of the auction module.
func GetAuctionConfig() (auction.Config, error) {
	minBidPercent, err := GetPercent(MinBidPercentKey)
	if err != nil {
		return auction.Config{}, err
	}
	return auction.Config{
		MinAuctionDuration: GetDuration(MinAuctionDurationKey),
		MinBidPercentFloor: minBidPercent,
		SettlePeriod:       GetDuration(SettlePeriodKey),
	}, nil
}

// GetFeeConfig returns the fee configuration of the auction module.
func GetFeeConfig() (fees.Config, error) {
	cfg := fees.Config{ProtocolRecipient: GetString(ProtocolRecipientKey)}
	for key, dst := range map[string]*uint32{
		ProtocolFeeKey:   &cfg.Protocol,
		ReferrerFeeKey:   &cfg.Referrer,
		MaxCuratorFeeKey: &cfg.MaxCurator,
	} {
		p, err := GetPercent(key)
		if err != nil {
			return fees.Config{}, err
		}
		*dst = p
	}
	return cfg, nil
}

func validate() error {
	switch GetString(ListenerKey) {
	case ListenerVsock:
		if GetInt(VsockPortKey) <= 0 {
			return fmt.Errorf("%s must be a positive port number", VsockPortKey)
		}
	case ListenerTCP:
		if GetString(TCPAddrKey) == "" {
			return fmt.Errorf("missing %s", TCPAddrKey)
		}
	default:
		return fmt.Errorf("%s must be either '%s' or '%s'", ListenerKey, ListenerVsock, ListenerTCP)
	}

	if GetInt(MaxWorkersKey) <= 0 {
		return fmt.Errorf("%s must be greater than 0", MaxWorkersKey)
	}
	if GetDuration(ReadTimeoutKey) <= 0 {
		return fmt.Errorf("%s must be a positive duration", ReadTimeoutKey)
	}

	switch GetString(DBTypeKey) {
	case DBBadger:
		if len(GetDatadir()) <= 0 {
			return fmt.Errorf("missing datadir")
		}
	case DBInMemory:
	default:
		return fmt.Errorf("%s must be either '%s' or '%s'", DBTypeKey, DBBadger, DBInMemory)
	}

	if level := GetInt(LogLevelKey); level < int(log.PanicLevel) || level > int(log.TraceLevel) {
		return fmt.Errorf("%s must be in range [%d, %d]", LogLevelKey, log.PanicLevel, log.TraceLevel)
	}

	if GetDuration(MinAuctionDurationKey) <= 0 {
		return fmt.Errorf("%s must be a positive duration", MinAuctionDurationKey)
	}
	if GetDuration(SettlePeriodKey) <= 0 {
		return fmt.Errorf("%s must be a positive duration", SettlePeriodKey)
	}

	if _, err := GetAuctionConfig(); err != nil {
		return err
	}
	feeCfg, err := GetFeeConfig()
	if err != nil {
		return err
	}
	if feeCfg.ProtocolRecipient == "" {
		return fmt.Errorf("missing %s", ProtocolRecipientKey)
	}
	if feeCfg.Protocol+feeCfg.Referrer > core.OneHundredPercent {
		return fmt.Errorf("%s and %s together exceed 100%%", ProtocolFeeKey, ReferrerFeeKey)
	}

	switch GetString(AttestationModeKey) {
	case AttestationNSM, AttestationLocal:
	default:
		return fmt.Errorf("%s must be either '%s' or '%s'", AttestationModeKey, AttestationNSM, AttestationLocal)
	}

	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
