package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"chathub/internal/access"
	"chathub/internal/auth"
	"chathub/internal/errs"
	"chathub/internal/models"
	"chathub/internal/service"
	"chathub/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	partSvc *service.ParticipantService
	msgSvc  *service.MessageService
	hub     *ws.Hub
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, partSvc *service.ParticipantService, msgSvc *service.MessageService, hub *ws.Hub) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, partSvc: partSvc, msgSvc: msgSvc, hub: hub}
}

// writeError 把结构化业务错误映射为 HTTP 状态码与统一错误体。
func writeError(c *gin.Context, err error) {
	e := errs.From(err)
	status := http.StatusInternalServerError
	switch e.Code {
	case errs.CodeRoomNotFound:
		status = http.StatusNotFound
	case errs.CodeBanned, errs.CodeForbidden, errs.CodeNotParticipant,
		errs.CodePasswordRequired, errs.CodeInviteRequired:
		status = http.StatusForbidden
	case errs.CodeRoomClosed, errs.CodeCapacityExceeded, errs.CodeDuplicateInviteCode:
		status = http.StatusConflict
	case errs.CodeContentTooLong, errs.CodeInvalidReplyTarget, errs.CodeInvalidArgument:
		status = http.StatusBadRequest
	case errs.CodeStorageUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": e.Message, "code": e.Code})
}

func roomParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return 0, false
	}
	return uint(id), true
}

func seqParam(c *gin.Context) (uint64, bool) {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil || seq == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message seq"})
		return 0, false
	}
	return seq, true
}

type roomDTO struct {
	ID              uint           `json:"id"`
	UUID            string         `json:"uuid"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Visibility      string         `json:"visibility"`
	OwnerID         uint           `json:"owner_id"`
	MaxParticipants int            `json:"max_participants"`
	Status          string         `json:"status"`
	Settings        map[string]any `json:"settings,omitempty"`
	Online          int            `json:"online"`
	HasPassword     bool           `json:"has_password"`
	InviteCode      string         `json:"invite_code,omitempty"`
}

func (h *Handler) roomToDTO(r *models.Room, callerID uint) roomDTO {
	settings, err := r.ParseSettings()
	if err != nil {
		settings = nil
	}
	dto := roomDTO{
		ID:              r.ID,
		UUID:            r.UUID,
		Title:           r.Title,
		Description:     r.Description,
		Visibility:      r.Visibility,
		OwnerID:         r.OwnerID,
		MaxParticipants: r.MaxParticipants,
		Status:          r.Status,
		Settings:        settings,
		Online:          h.hub.Online(r.ID),
		HasPassword:     r.PasswordHash != "",
	}
	// 邀请码只回给房主
	if callerID != 0 && callerID == r.OwnerID {
		dto.InviteCode = r.InviteCode
	}
	return dto
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user": gin.H{
			"id":           result.User.ID,
			"uuid":         result.User.UUID,
			"username":     result.User.Username,
			"display_name": result.User.DisplayName,
		},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Title           string         `json:"title"`
		Description     string         `json:"description"`
		Visibility      string         `json:"visibility"`
		Password        string         `json:"password"`
		MaxParticipants int            `json:"max_participants"`
		Settings        map[string]any `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	caller := auth.GetIdentity(c)
	room, err := h.roomSvc.Create(c.Request.Context(), caller, service.CreateRoomParams{
		Title:           req.Title,
		Description:     req.Description,
		Visibility:      req.Visibility,
		Password:        req.Password,
		MaxParticipants: req.MaxParticipants,
		Settings:        req.Settings,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": h.roomToDTO(room, caller.UserID)})
}

// ListRooms 处理获取房间列表请求。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(c.Request.Context(), 100)
	if err != nil {
		writeError(c, err)
		return
	}
	caller := auth.GetIdentity(c)
	out := make([]roomDTO, 0, len(rooms))
	for i := range rooms {
		out = append(out, h.roomToDTO(&rooms[i], caller.UserID))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out})
}

// GetRoom 处理获取单个房间请求。
func (h *Handler) GetRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	room, err := h.roomSvc.Get(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": h.roomToDTO(room, auth.GetIdentity(c).UserID)})
}

// JoinRoom 处理加入房间请求，私有或带密码的房间需要附带凭据。
func (h *Handler) JoinRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	var req struct {
		Password   string `json:"password"`
		InviteCode string `json:"invite_code"`
	}
	// join 可以不带 body
	_ = c.ShouldBindJSON(&req)
	caller := auth.GetIdentity(c)
	p, err := h.partSvc.Join(c.Request.Context(), roomID, caller, access.Credentials{
		Password:   req.Password,
		InviteCode: req.InviteCode,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": p.Role, "status": p.Status, "joined_at": p.JoinedAt})
}

// LeaveRoom 处理退出房间请求。
func (h *Handler) LeaveRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	caller := auth.GetIdentity(c)
	if err := h.partSvc.Leave(c.Request.Context(), roomID, caller.UserID, "left"); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CloseRoom 由房主关闭房间，历史保留、不再接受写入。
func (h *Handler) CloseRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	if err := h.roomSvc.Close(c.Request.Context(), roomID, auth.GetIdentity(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

// DeleteRoom 由房主删除房间及其成员记录。
func (h *Handler) DeleteRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	if err := h.roomSvc.Delete(c.Request.Context(), roomID, auth.GetIdentity(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ListParticipants 返回房间全部非封禁成员。
func (h *Handler) ListParticipants(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	if _, err := h.partSvc.Member(c.Request.Context(), roomID, auth.GetIdentity(c).UserID); err != nil {
		writeError(c, err)
		return
	}
	participants, err := h.partSvc.List(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, err)
		return
	}
	type participantDTO struct {
		UserID      uint   `json:"user_id"`
		Role        string `json:"role"`
		Status      string `json:"status"`
		UnreadCount int    `json:"unread_count"`
	}
	out := make([]participantDTO, 0, len(participants))
	for _, p := range participants {
		out = append(out, participantDTO{UserID: p.UserID, Role: p.Role, Status: p.Status, UnreadCount: p.UnreadCount})
	}
	c.JSON(http.StatusOK, gin.H{"participants": out})
}

// BanParticipant 由房主封禁成员。
func (h *Handler) BanParticipant(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	var req struct {
		UserID uint   `json:"user_id"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.partSvc.Ban(c.Request.Context(), roomID, req.UserID, auth.GetIdentity(c), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "banned"})
}

// UnbanParticipant 由房主解封成员。
func (h *Handler) UnbanParticipant(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.partSvc.Unban(c.Request.Context(), roomID, req.UserID, auth.GetIdentity(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unbanned"})
}

// UpdatePrefs 更新当前用户在房间内的静音/置顶偏好。
func (h *Handler) UpdatePrefs(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	var req struct {
		Muted  *bool `json:"muted"`
		Pinned *bool `json:"pinned"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || (req.Muted == nil && req.Pinned == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctx := c.Request.Context()
	userID := auth.GetIdentity(c).UserID
	if req.Muted != nil {
		if err := h.partSvc.SetMuted(ctx, roomID, userID, *req.Muted); err != nil {
			writeError(c, err)
			return
		}
	}
	if req.Pinned != nil {
		if err := h.partSvc.SetPinned(ctx, roomID, userID, *req.Pinned); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MarkRead 将当前用户在房间内的未读数清零。
func (h *Handler) MarkRead(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	if err := h.partSvc.MarkRead(c.Request.Context(), roomID, auth.GetIdentity(c).UserID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListMessages 按序号降序分页返回消息，before_seq=0 表示从最新开始。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	limitStr := c.Query("limit")
	if limitStr == "" {
		limitStr = "50"
	}
	limit, _ := strconv.Atoi(limitStr)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var beforeSeq uint64
	if bs := c.Query("before_seq"); bs != "" {
		if v, err := strconv.ParseUint(bs, 10, 64); err == nil {
			beforeSeq = v
		}
	}
	msgs, err := h.msgSvc.Page(c.Request.Context(), roomID, auth.GetIdentity(c), beforeSeq, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// AppendMessage 向房间追加一条消息。
func (h *Handler) AppendMessage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	var req struct {
		Content string        `json:"content"`
		Type    string        `json:"type"`
		ReplyTo uint64        `json:"reply_to"`
		Media   *models.Media `json:"media"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Append(c.Request.Context(), roomID, auth.GetIdentity(c), service.AppendInput{
		Content: req.Content,
		Type:    req.Type,
		ReplyTo: req.ReplyTo,
		Media:   req.Media,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// EditMessage 修改消息正文，仅发送者本人可操作。
func (h *Handler) EditMessage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.Edit(c.Request.Context(), roomID, seq, auth.GetIdentity(c), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteMessage 软删除消息，序号位置保留。
func (h *Handler) DeleteMessage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	if err := h.msgSvc.SoftDelete(c.Request.Context(), roomID, seq, auth.GetIdentity(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// PinMessage 房主翻转消息置顶标记。
func (h *Handler) PinMessage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	msg, err := h.msgSvc.TogglePin(c.Request.Context(), roomID, seq, auth.GetIdentity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// ReactMessage 切换当前用户对消息的某种反应。
func (h *Handler) ReactMessage(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	seq, ok := seqParam(c)
	if !ok {
		return
	}
	var req struct {
		Kind string `json:"kind"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgSvc.React(c.Request.Context(), roomID, seq, auth.GetIdentity(c), req.Kind)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}
