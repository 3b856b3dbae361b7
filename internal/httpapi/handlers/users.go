package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/seangpt/chatstream/internal/auth"
	"github.com/seangpt/chatstream/internal/common"
	"github.com/seangpt/chatstream/internal/httpapi/middleware"
	"github.com/seangpt/chatstream/internal/models"
)

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

type createUserReq struct {
	Phone        string `json:"phone" binding:"required"`
	Password     string `json:"password" binding:"required"`
	ReferralCode string `json:"referral_code"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var referrerID *uuid.UUID
	if req.ReferralCode != "" {
		var referrer models.User
		if err := h.DB.Where("referral_code = ?", req.ReferralCode).First(&referrer).Error; err != nil {
			common.Fail(c, http.StatusBadRequest, 10022, "invalid referral code")
			return
		}
		referrerID = &referrer.ID
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}

	code, err := models.NewReferralCode()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20004, "failed to generate referral code")
		return
	}

	user := models.User{
		ID:             uuid.New(),
		Phone:          req.Phone,
		PasswordHash:   hash,
		ReferralCode:   code,
		ReferrerUserID: referrerID,
	}
	if err := h.DB.Create(&user).Error; err != nil {
		common.Fail(c, http.StatusBadRequest, 10003, "failed to create user (maybe phone already registered)")
		return
	}

	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	// Phone verification happens when the user first texts back; the opt-in
	// prompt starts that exchange. Delivery failure must not fail signup.
	if h.Sender != nil {
		go func(phone string) {
			if err := h.Sender.SendSMS(phone, h.Cfg.SMSOptInMessage); err != nil {
				h.Log.Error().Err(err).Msg("opt-in sms failed")
			}
		}(user.Phone)
	}

	common.Created(c, gin.H{
		"id":            user.ID,
		"phone":         user.Phone,
		"referral_code": user.ReferralCode,
		"token":         token,
	})
}

type loginReq struct {
	Phone    string `json:"phone" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	var user models.User
	if err := h.DB.Where("phone = ?", req.Phone).First(&user).Error; err != nil {
		// same reply as a wrong password; do not reveal which
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid credentials")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid credentials")
		return
	}

	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, 24*time.Hour)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{"token": token})
}

func (h *Handler) Me(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", uid).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	common.OK(c, gin.H{
		"id":                user.ID,
		"phone":             user.Phone,
		"is_phone_verified": user.IsPhoneVerified,
		"opted_into_sms":    user.OptedIntoSMS,
		"referral_code":     user.ReferralCode,
		"created_at":        user.CreatedAt,
	})
}
