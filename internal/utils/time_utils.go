package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime 解析 "500ms"、"10s"、"20M"、"48h"、"2d" 这样的时长，单位不区分大小写，"d" 表示 24 小时
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, fmt.Errorf("invalid time format: empty string")
	}
	if days, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		return time.Duration(number) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
	}
	return d, nil
}

// ParseStringTimeOr 解析失败时返回 fallback
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil {
		return fallback
	}
	return d
}
