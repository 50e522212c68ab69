package reconciler

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"chathub/internal/metrics"
	"chathub/internal/models"
	"chathub/internal/store"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Reconciler 对账物理存储单元与逻辑房间记录：
// 单元名中的房间 ID 在 rooms 表里不存在（含 closed，closed 不等于删除）
// 即为孤儿，可以回收。整个过程幂等。
type Reconciler struct {
	db  *gorm.DB
	dir string
}

func New(db *gorm.DB, dir string) *Reconciler {
	return &Reconciler{db: db, dir: dir}
}

// Orphan 是一个待回收的孤儿存储单元。
type Orphan struct {
	RoomID uint
	Path   string
}

// Report 汇总一轮对账的结果，单个单元的失败不会中断其余单元。
type Report struct {
	Scanned int
	Orphans int
	Removed int
	Failed  []string
}

// FindOrphans 枚举全部存储单元，解析文件名中的房间 ID，
// 与当前已知房间集合做差集。
func (r *Reconciler) FindOrphans(ctx context.Context) ([]Orphan, error) {
	known, err := r.knownRoomIDs(ctx)
	if err != nil {
		return nil, err
	}

	var orphans []Orphan
	scanned := 0
	err = filepath.WalkDir(r.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		roomID, ok := store.ParseUnitName(d.Name())
		if !ok {
			return nil
		}
		scanned++
		if !known[roomID] {
			orphans = append(orphans, Orphan{RoomID: roomID, Path: path})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	log.Debug().Int("scanned", scanned).Int("orphans", len(orphans)).Msg("storage reconcile scan")
	return orphans, nil
}

// Reclaim 删除孤儿单元并清理空出来的父目录（不含根目录）。
// 删除前逐个重查房间是否存在：快照之后才创建的房间绝不能被误删。
func (r *Reconciler) Reclaim(ctx context.Context, orphans []Orphan, dryRun bool) Report {
	report := Report{Scanned: len(orphans), Orphans: len(orphans)}
	for _, o := range orphans {
		exists, err := r.roomExists(ctx, o.RoomID)
		if err != nil {
			report.Failed = append(report.Failed, o.Path)
			log.Error().Err(err).Uint("room_id", o.RoomID).Msg("reconcile: verify room")
			continue
		}
		if exists {
			// 快照后出现的房间，跳过
			report.Orphans--
			continue
		}
		if dryRun {
			log.Info().Uint("room_id", o.RoomID).Str("path", o.Path).Msg("reconcile: would remove unit")
			continue
		}
		if err := r.removeUnit(o.Path); err != nil {
			report.Failed = append(report.Failed, o.Path)
			log.Error().Err(err).Uint("room_id", o.RoomID).Str("path", o.Path).Msg("reconcile: remove unit")
			continue
		}
		report.Removed++
		metrics.ReconcilerRemovedTotal.Inc()
		log.Info().Uint("room_id", o.RoomID).Str("path", o.Path).Msg("reconcile: removed orphaned unit")
	}
	return report
}

// Run 执行一轮完整对账。
func (r *Reconciler) Run(ctx context.Context, dryRun bool) (Report, error) {
	orphans, err := r.FindOrphans(ctx)
	if err != nil {
		return Report{}, err
	}
	return r.Reclaim(ctx, orphans, dryRun), nil
}

func (r *Reconciler) knownRoomIDs(ctx context.Context) (map[uint]bool, error) {
	var ids []uint
	if err := r.db.WithContext(ctx).Model(&models.Room{}).Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	known := make(map[uint]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	return known, nil
}

func (r *Reconciler) roomExists(ctx context.Context, roomID uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", roomID).Count(&n).Error
	return n > 0, err
}

// removeUnit 删除单元文件及 WAL 伴生文件，然后自底向上清理空目录。
func (r *Reconciler) removeUnit(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	r.pruneEmptyDirs(filepath.Dir(path))
	return nil
}

func (r *Reconciler) pruneEmptyDirs(dir string) {
	root := filepath.Clean(r.dir)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !withinDir(root, dir) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func withinDir(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && rel != "." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[:2] == ".." && (len(rel) == 2 || rel[2] == filepath.Separator)
}
