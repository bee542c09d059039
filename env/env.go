package env

import (
	"context"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mikeydub/go-barter/service/logger"
	"github.com/spf13/viper"
)

var validators = map[string][]string{}

var v = validator.New()

var validatorsMu = &sync.Mutex{}

func RegisterValidation(name string, tags ...string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	validators[name] = dedupe(append(validators[name], tags...))
}

func Get[T any](ctx context.Context, name string) T {
	validate(ctx, name)

	if !viper.IsSet(name) {
		return *new(T)
	}

	it, ok := viper.Get(name).(T)
	if !ok {
		logger.For(ctx).Errorf("invalid env var: %s, expected type: %T", name, it)
		return *new(T)
	}

	return it
}

func GetString(ctx context.Context, name string) string {
	return Get[string](ctx, name)
}

func GetInt(ctx context.Context, name string) int {
	validate(ctx, name)
	return viper.GetInt(name)
}

func GetFloat64(ctx context.Context, name string) float64 {
	validate(ctx, name)
	return viper.GetFloat64(name)
}

func GetBool(ctx context.Context, name string) bool {
	validate(ctx, name)
	return viper.GetBool(name)
}

func validate(ctx context.Context, name string) {
	validatorsMu.Lock()
	defer validatorsMu.Unlock()
	for _, tag := range validators[name] {
		err := v.Var(viper.Get(name), tag)
		if err != nil {
			logger.For(ctx).Errorf("invalid env var: %s, tag: %s, err: %s", name, tag, err.Error())
		}
	}
}

func dedupe(tags []string) []string {
	seen := map[string]bool{}
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		key := strings.TrimSpace(tag)
		if !seen[key] {
			seen[key] = true
			result = append(result, key)
		}
	}
	return result
}
