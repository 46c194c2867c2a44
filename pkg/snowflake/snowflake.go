// Package snowflake 雪花 ID 生成器
package snowflake

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	// 起始时间戳 (2025-01-01 00:00:00 UTC)
	epoch int64 = 1735689600000

	workerIDBits = 10
	sequenceBits = 12

	maxWorkerID = -1 ^ (-1 << workerIDBits) // 1023
	maxSequence = -1 ^ (-1 << sequenceBits) // 4095

	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits

	// 容忍的时钟回拨，超过则报错
	maxBackwardMillis = 5
)

var (
	ErrInvalidWorkerID = errors.New("worker ID must be between 0 and 1023")
	ErrClockMovedBack  = errors.New("clock moved backwards")
)

// Generator 雪花 ID 生成器
type Generator struct {
	mu       sync.Mutex
	workerID int64
	sequence int64
	lastTime int64
	now      func() int64
}

// New 创建生成器
func New(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate 生成 ID
func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.lastTime {
		if g.lastTime-now > maxBackwardMillis {
			return 0, ErrClockMovedBack
		}
		for now < g.lastTime {
			now = g.now()
		}
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 序列号用尽，等待下一毫秒
			for now <= g.lastTime {
				now = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	return ((now - epoch) << timestampShift) | (g.workerID << workerIDShift) | g.sequence, nil
}

// NextString returns the next ID in base 36, used as an external order id.
func (g *Generator) NextString() (string, error) {
	id, err := g.Generate()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 36), nil
}

// Parse 解析 ID
func Parse(id int64) (timestamp int64, workerID int64, sequence int64) {
	timestamp = (id >> timestampShift) + epoch
	workerID = (id >> workerIDShift) & maxWorkerID
	sequence = id & maxSequence
	return
}

// Time 获取 ID 的生成时间
func Time(id int64) time.Time {
	ts, _, _ := Parse(id)
	return time.UnixMilli(ts)
}
