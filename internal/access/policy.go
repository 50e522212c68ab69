package access

import (
	"chathub/internal/errs"
	"chathub/internal/models"

	"golang.org/x/crypto/bcrypt"
)

// Credentials 是调用方随 join 请求提交的访问凭据。
type Credentials struct {
	Password   string
	InviteCode string
}

// Decision 是准入策略的评估结果。Deny 为硬性拒绝；
// PasswordRequired/InviteRequired 是建议性标记，由边界层转成访问质询而非裸错误。
type Decision struct {
	Allowed          bool
	PasswordRequired bool
	InviteRequired   bool
	Deny             *errs.Error
}

// Evaluate 按固定顺序评估用户能否进入房间：
// 已有非封禁成员记录直接放行；封禁、关闭、满员依次硬拒绝；
// 密码与邀请码不满足时只打标记。
func Evaluate(room *models.Room, p *models.Participant, activeCount int64, creds Credentials) Decision {
	if p != nil && p.Status != models.ParticipantBanned {
		return Decision{Allowed: true}
	}
	if p != nil && p.Status == models.ParticipantBanned {
		return Decision{Deny: errs.ErrBanned}
	}
	if !room.IsActive() {
		return Decision{Deny: errs.ErrRoomClosed}
	}
	if room.MaxParticipants > 0 && activeCount >= int64(room.MaxParticipants) {
		return Decision{Deny: errs.ErrCapacityExceeded}
	}

	var d Decision
	if room.PasswordHash != "" && !verifyRoomPassword(room.PasswordHash, creds.Password) {
		d.PasswordRequired = true
	}
	if room.Visibility == models.VisibilityPrivate && (room.InviteCode == "" || creds.InviteCode != room.InviteCode) {
		d.InviteRequired = true
	}
	d.Allowed = !d.PasswordRequired && !d.InviteRequired
	return d
}

// IsBanned 判断成员记录是否处于封禁状态。
func IsBanned(p *models.Participant) bool {
	return p != nil && p.Status == models.ParticipantBanned
}

func verifyRoomPassword(hash, pw string) bool {
	if pw == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}
