package store

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"chathub/internal/models"
)

// Store 定义按房间隔离的消息日志。每个房间一个物理存储单元，
// 单元内序号单调递增且无空洞；不同房间的单元互不加锁。
// 默认实现是每房间一个 SQLite 文件，共享库加 room_id 列的实现同样合法。
type Store interface {
	// Append 在房间的单元内分配下一个序号并落盘，成功后回填 msg.Seq。
	Append(ctx context.Context, roomID uint, msg *models.Message) error
	// Get 按序号取消息，不存在时返回 (nil, nil)。
	Get(ctx context.Context, roomID uint, seq uint64) (*models.Message, error)
	// Update 回写一条已存在消息的可变字段。
	Update(ctx context.Context, roomID uint, msg *models.Message) error
	// Page 返回严格小于 beforeSeq 的消息，按序号降序；beforeSeq 为 0 时从最新开始。
	Page(ctx context.Context, roomID uint, beforeSeq uint64, limit int) ([]models.Message, error)
	// CloseUnit 关闭并遗忘某房间的单元句柄（房间删除后由回收器清理文件）。
	CloseUnit(roomID uint)
	Close()
}

var unitNameRe = regexp.MustCompile(`^room_(\d+)\.db$`)

// UnitPath 由房间 ID 推导存储单元路径：<dir>/<id%256 的两位十六进制>/room_<id>.db。
// 命名是确定性的，回收器无需任何旁路索引即可还原映射。
func UnitPath(dir string, roomID uint) string {
	bucket := fmt.Sprintf("%02x", roomID%256)
	return filepath.Join(dir, bucket, fmt.Sprintf("room_%d.db", roomID))
}

// ParseUnitName 从单元文件名解析房间 ID。
func ParseUnitName(name string) (uint, bool) {
	m := unitNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}
