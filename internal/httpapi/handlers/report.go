package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/healthsphere/internal/common"
	"github.com/suPer8Hu/healthsphere/internal/docstore"
	"github.com/suPer8Hu/healthsphere/internal/inference"
	"github.com/suPer8Hu/healthsphere/internal/metrics"
	"github.com/suPer8Hu/healthsphere/internal/report"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// room for multipart framing around the file part
const multipartOverhead = 1 << 20

// UploadReport stores the file, records it on the caller's profile when
// authenticated, and returns the extraction payload unchanged.
func (h *Handler) UploadReport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.Docs.MaxBytes()+multipartOverhead)

	fh, err := c.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			common.Error(c, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		common.Error(c, http.StatusBadRequest, "No file uploaded")
		return
	}

	uid := optionalUserID(c)
	doc, err := h.Docs.Save(docstore.OwnerDir(uid), fh)
	if err != nil {
		h.reportError(c, err)
		return
	}

	if uid != nil {
		h.recordUpload(c, *uid, doc)
	}

	raw, err := h.Reports.Extract(c.Request.Context(), uid, doc.Path, doc.OriginalName)
	if err != nil {
		h.reportError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (h *Handler) recordUpload(c *gin.Context, uid uint64, doc docstore.Document) {
	if !h.Caps.MedicalReport {
		metrics.RecordPersistenceDegraded("medical_report")
		return
	}
	if err := h.Users.SetMedicalReport(c.Request.Context(), uid, doc.Name, time.Now()); err != nil {
		metrics.RecordPersistenceDegraded("medical_report")
		h.Log.Warn("record medical report failed", zap.Uint64("user_id", uid), zap.Error(err))
	}
}

// ProcessReport re-runs extraction on the caller's stored report.
func (h *Handler) ProcessReport(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Error(c, http.StatusUnauthorized, "User not authenticated")
		return
	}

	u, err := h.Users.GetByID(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Error(c, http.StatusNotFound, "User not found")
			return
		}
		common.Error(c, http.StatusInternalServerError, "Failed to load user")
		return
	}
	if !h.Caps.MedicalReport || u.MedicalReportURL == nil || *u.MedicalReportURL == "" {
		common.Error(c, http.StatusNotFound, "No medical report uploaded")
		return
	}

	name := *u.MedicalReportURL
	path, err := h.Docs.Path(docstore.OwnerDir(&uid), name)
	if err != nil {
		common.Error(c, http.StatusNotFound, "No medical report uploaded")
		return
	}

	raw, err := h.Reports.Extract(c.Request.Context(), &uid, path, originalName(name))
	if err != nil {
		h.reportError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// GetReport returns the stored extraction result. Other users' reports are
// reported as missing.
func (h *Handler) GetReport(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Error(c, http.StatusUnauthorized, "User not authenticated")
		return
	}
	target, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		common.Error(c, http.StatusBadRequest, "Invalid user id")
		return
	}
	if target != uid || !h.Caps.ProcessingResult {
		common.Error(c, http.StatusNotFound, "No report found for user")
		return
	}

	raw, err := h.Users.GetProcessingResult(c.Request.Context(), uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Error(c, http.StatusNotFound, "User not found")
			return
		}
		common.Error(c, http.StatusInternalServerError, "Failed to load report")
		return
	}
	if raw == nil {
		common.Error(c, http.StatusNotFound, "No report found for user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"processing_result": raw})
}

// DeleteReport removes the stored file and clears the report columns.
func (h *Handler) DeleteReport(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	if !h.Caps.MedicalReport {
		common.Fail(c, http.StatusBadRequest, 10010, "medical report column not available")
		return
	}

	ctx := c.Request.Context()
	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if u.MedicalReportURL == nil || *u.MedicalReportURL == "" {
		common.Fail(c, http.StatusNotFound, 40402, "no medical report found")
		return
	}

	// the columns are cleared even if the file cannot be removed
	if err := h.Docs.Remove(docstore.OwnerDir(&uid), *u.MedicalReportURL); err != nil {
		h.Log.Warn("remove report file failed", zap.Uint64("user_id", uid), zap.Error(err))
	}
	if err := h.Users.ClearMedicalReport(ctx, uid, h.Caps.ProcessingResult); err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

// originalName strips the "<unixms>-" prefix the document store adds.
func originalName(stored string) string {
	if prefix, rest, ok := strings.Cut(stored, "-"); ok && rest != "" {
		if _, err := strconv.ParseInt(prefix, 10, 64); err == nil {
			return rest
		}
	}
	return stored
}

func (h *Handler) reportError(c *gin.Context, err error) {
	if inferenceError(c, err) {
		return
	}
	switch {
	case errors.Is(err, report.ErrNoDocument):
		common.Error(c, http.StatusNotFound, "No document found")
	case errors.Is(err, docstore.ErrUnsupportedType):
		common.Error(c, http.StatusUnsupportedMediaType, "Only PDF, PNG and JPEG files are allowed")
	case errors.Is(err, docstore.ErrTooLarge):
		common.Error(c, http.StatusRequestEntityTooLarge, "File too large")
	default:
		h.Log.Error("report request failed", zap.Error(err))
		common.Error(c, http.StatusInternalServerError, "Internal server error")
	}
}

// inferenceError writes the response for inference failures and reports
// whether err was one.
func inferenceError(c *gin.Context, err error) bool {
	if re, ok := inference.AsRemote(err); ok {
		c.AbortWithStatusJSON(re.Status(), re.Detail)
		return true
	}
	if inference.IsUnreachable(err) {
		common.Error(c, http.StatusBadGateway, "inference service unreachable")
		return true
	}
	return false
}
