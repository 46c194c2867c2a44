// Package config 提供环境变量配置工具函数
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// getEnvParsed reads key and parses it with parse; empty or unparsable values
// fall back to defaultValue.
func getEnvParsed[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	v, err := parse(value)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetEnv 获取环境变量，如果不存在则返回默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt 获取整数类型的环境变量
func GetEnvInt(key string, defaultValue int) int {
	return getEnvParsed(key, defaultValue, strconv.Atoi)
}

// GetEnvInt64 获取int64类型的环境变量
func GetEnvInt64(key string, defaultValue int64) int64 {
	return getEnvParsed(key, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

// GetEnvBool 获取布尔类型的环境变量
func GetEnvBool(key string, defaultValue bool) bool {
	return getEnvParsed(key, defaultValue, strconv.ParseBool)
}

// GetEnvFloat64 获取float64类型的环境变量
func GetEnvFloat64(key string, defaultValue float64) float64 {
	return getEnvParsed(key, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetEnvDuration 获取时间间隔类型的环境变量
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return getEnvParsed(key, defaultValue, time.ParseDuration)
}

// GetEnvPositiveDuration behaves like GetEnvDuration but rejects zero and
// negative values.
func GetEnvPositiveDuration(key string, defaultValue time.Duration) time.Duration {
	return getEnvParsed(key, defaultValue, func(s string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		if d <= 0 {
			return 0, fmt.Errorf("duration must be positive: %s", s)
		}
		return d, nil
	})
}

// GetEnvSlice 获取字符串切片类型的环境变量，使用逗号分隔
func GetEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
