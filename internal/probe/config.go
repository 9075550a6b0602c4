package probe

import (
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/lagprobe/internal/store"
)

// Config describes one measurement
type Config struct {
	Primary store.Endpoint
	Replica store.Endpoint
	// Secondary is another replica that is only health checked
	Secondary *store.Endpoint

	WriteCount int
	ValueSize  int
	KeyPrefix  string

	// PollInterval is the pause between replica polls, zero polls back to back
	PollInterval time.Duration
	// Deadline bounds the lag measurement, zero waits until the context is done
	Deadline time.Duration

	// WaitForReset polls the replica down to zero keys before writing
	WaitForReset bool
	ResetTimeout time.Duration

	ConnectRetries uint64

	// Verify checks the primary key count and a sample of value lengths after the run
	Verify       bool
	VerifySample int
}

// DefaultConfig returns the workload used when nothing else is given:
// 1000 keys of 10 KiB each
func DefaultConfig() Config {
	return Config{
		WriteCount:   1000,
		ValueSize:    10240,
		KeyPrefix:    "key_",
		WaitForReset: true,
		ResetTimeout: 10 * time.Second,
		VerifySample: 10,
	}
}

// Validate reports the first unusable setting
func (c Config) Validate() error {
	switch {
	case c.Primary.Host == "":
		return errors.New("primary endpoint is required")
	case c.Replica.Host == "":
		return errors.New("replica endpoint is required")
	case c.Primary.Scheme != c.Replica.Scheme:
		return fmt.Errorf("primary (%s) and replica (%s) must use the same store", c.Primary.Scheme, c.Replica.Scheme)
	case c.Primary.Scheme == store.SchemeRedis && c.Primary.DB != c.Replica.DB:
		// a replica copies every database but DBSIZE counts only the selected one
		return fmt.Errorf("primary (db %d) and replica (db %d) must use the same database", c.Primary.DB, c.Replica.DB)
	case c.Primary.Addr() == c.Replica.Addr():
		// Compares the DSN text only, so different spellings of one host are not caught.
		return errors.New("primary and replica point at the same node")
	case c.WriteCount <= 0:
		return fmt.Errorf("write count must be positive, got %d", c.WriteCount)
	case c.ValueSize <= 0:
		return fmt.Errorf("value size must be positive, got %d", c.ValueSize)
	case c.PollInterval < 0:
		return fmt.Errorf("poll interval must not be negative, got %s", c.PollInterval)
	case c.Deadline < 0:
		return fmt.Errorf("deadline must not be negative, got %s", c.Deadline)
	}
	return nil
}
