package patrol

import (
	"errors"
	"fmt"
	"time"
)

// Config bounds one patrol run. It is immutable once the run starts.
type Config struct {
	Platform       string `json:"platform"`
	Keyword        string `json:"keyword"`
	MaxPosts       int    `json:"maxPosts"`
	MaxScrolls     int    `json:"maxScrolls"`
	MaxErrors      int    `json:"maxErrors"`
	MaxTimeSeconds int    `json:"maxTimeSeconds"`
	// ReadScrolls is how many times a post detail is scrolled while reading it.
	ReadScrolls int `json:"readScrolls"`
}

// DefaultConfig returns the stock budgets.
func DefaultConfig() Config {
	return Config{
		Platform:       "threads",
		MaxPosts:       10,
		MaxScrolls:     5,
		MaxErrors:      3,
		MaxTimeSeconds: 1800,
	}
}

// MaxTime returns the time budget.
func (c Config) MaxTime() time.Duration {
	return time.Duration(c.MaxTimeSeconds) * time.Second
}

// Validate checks the budgets.
func (c Config) Validate() error {
	var errs []error
	if c.Keyword == "" {
		errs = append(errs, errors.New("keyword is required"))
	}
	if c.MaxPosts <= 0 {
		errs = append(errs, fmt.Errorf("maxPosts must be positive, got %d", c.MaxPosts))
	}
	if c.MaxScrolls < 0 {
		errs = append(errs, fmt.Errorf("maxScrolls must not be negative, got %d", c.MaxScrolls))
	}
	if c.MaxErrors <= 0 {
		errs = append(errs, fmt.Errorf("maxErrors must be positive, got %d", c.MaxErrors))
	}
	if c.MaxTimeSeconds <= 0 {
		errs = append(errs, fmt.Errorf("maxTimeSeconds must be positive, got %d", c.MaxTimeSeconds))
	}
	if c.ReadScrolls < 0 {
		errs = append(errs, fmt.Errorf("readScrolls must not be negative, got %d", c.ReadScrolls))
	}
	return errors.Join(errs...)
}
