package sip

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Таймеры RFC 3261 для UDP
const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
)

// RetryPolicy ограниченное число попыток и расписание интервалов между ними.
// Используется транзакциями (ретрансмиссии) и регистрацией (повтор цикла).
type RetryPolicy struct {
	// MaxAttempts общее число попыток, 0 без ограничения
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	InitialInterval     time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor" yaml:"randomization_factor"`
}

// DefaultTransactionPolicy ретрансмиссии T1, 2*T1, ... до T2. Семь
// отправок покрывают около 64*T1, как таймеры B и F.
func DefaultTransactionPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     7,
		InitialInterval: T1,
		MaxInterval:     T2,
		Multiplier:      2,
	}
}

// DefaultRegistrationPolicy повтор неудачного цикла регистрации.
// Число попыток не ограничено, интервал растет до 5 минут.
func DefaultRegistrationPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     5 * time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// NewBackOff создает расписание по политике. При заданном MaxAttempts
// расписание выдает MaxAttempts интервалов: между отправками и
// ожидание ответа после последней, затем backoff.Stop.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxInterval(p.MaxInterval),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(p.RandomizationFactor),
		backoff.WithMaxElapsedTime(0),
	)
	if p.MaxAttempts > 0 {
		return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	return b
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = T1
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = 0
	}
	return p
}
