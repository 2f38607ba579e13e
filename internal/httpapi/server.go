// Package httpapi exposes the attendance pipeline over HTTP with gin.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"attendguard/internal/apperr"
	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/cloudinary"
	"attendguard/internal/device"
	"attendguard/internal/fraud"
	"attendguard/internal/geo"
	"attendguard/internal/session"
	"attendguard/internal/token"
)

const maxBodyBytes = 1 << 20

// Uploader stores photo evidence.
type Uploader interface {
	UploadDataURL(ctx context.Context, studentID, data string) (*cloudinary.UploadResult, error)
	UploadBytes(ctx context.Context, studentID string, data []byte, filename string) (*cloudinary.UploadResult, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Server holds the handlers' collaborators.
type Server struct {
	Sessions *session.Manager
	Recorder *attendance.Recorder
	Devices  *device.Validator
	Schemas  *SchemaValidator
	// Uploader is nil when evidence storage is not configured.
	Uploader Uploader
	Health   map[string]HealthCheck
	// QRSize is the edge length in pixels of rendered QR codes.
	QRSize int
	// ValidateResponses checks check-in responses against their schema before
	// they are written.
	ValidateResponses bool
}

// Register mounts the API under /v1 behind authn. The caller adds global middleware.
func (s *Server) Register(r gin.IRouter, authn gin.HandlerFunc) {
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", authn)
	staff := auth.RequireRole(auth.RoleProfessor, auth.RoleAdmin)
	student := auth.RequireRole(auth.RoleStudent)
	anyone := auth.RequireRole(auth.RoleStudent, auth.RoleProfessor, auth.RoleAdmin)

	v1.POST("/sessions", staff, s.createSession)
	v1.GET("/sessions/:id", anyone, s.getSession)
	v1.GET("/sessions/:id/requirements", anyone, s.requirements)
	v1.POST("/sessions/:id/start", staff, s.owned(s.start))
	v1.POST("/sessions/:id/pause", staff, s.owned(s.pause))
	v1.POST("/sessions/:id/resume", staff, s.owned(s.resume))
	v1.POST("/sessions/:id/cancel", staff, s.owned(s.cancel))
	v1.POST("/sessions/:id/token", staff, s.owned(s.rotate))
	v1.POST("/sessions/:id/qr", staff, s.owned(s.qr))
	v1.POST("/sessions/:id/end", staff, s.owned(s.end))
	v1.POST("/sessions/:id/emergency-stop", staff, s.owned(s.emergencyStop))
	v1.POST("/sessions/:id/reconcile", staff, s.owned(s.reconcile))
	v1.GET("/sessions/:id/attendance", staff, s.owned(s.listAttendance))
	v1.POST("/sessions/:id/attendance/:studentId/override", staff, s.owned(s.override))
	v1.GET("/sessions/:id/alerts", staff, s.owned(s.listAlerts))
	v1.PATCH("/alerts/:id", staff, s.updateAlert)

	v1.POST("/checkins", student, s.checkIn)
	v1.GET("/devices", student, s.listDevices)
	v1.DELETE("/devices/:id", student, s.deactivateDevice)
	v1.POST("/upload", student, s.upload)
}

// writeError renders err in the error envelope. Unclassified errors are logged
// and reported as internal.
func writeError(c *gin.Context, err error, extra ...gin.H) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		log.Printf("http: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	body := gin.H{"error": gin.H{"code": kind, "message": apperr.Message(err)}}
	for _, e := range extra {
		for k, v := range e {
			body[k] = v
		}
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), body)
}

// bind validates the body against schema and decodes it into dst.
func (s *Server) bind(c *gin.Context, schema string, dst any) error {
	return s.bindLimit(c, schema, dst, maxBodyBytes)
}

func (s *Server) bindLimit(c *gin.Context, schema string, dst any, limit int64) error {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		return apperr.New(apperr.KindValidation, "request body too large or unreadable")
	}
	if err := s.Schemas.Validate(schema, raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.New(apperr.KindValidation, "request body does not match the expected shape")
	}
	return nil
}

func sessionID(c *gin.Context) (string, error) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", apperr.New(apperr.KindNotFound, "session not found")
	}
	return id, nil
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.FromContext(c)
	return id
}

// owned loads the session named in the path and lets the handler run only for its
// professor or an admin.
func (s *Server) owned(h func(*gin.Context, *session.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := sessionID(c)
		if err != nil {
			writeError(c, err)
			return
		}
		sess, err := s.Sessions.Get(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		if who := identity(c); who.Role != auth.RoleAdmin && who.UserID != sess.ProfessorID {
			writeError(c, apperr.New(apperr.KindForbidden, "session belongs to another professor"))
			return
		}
		h(c, sess)
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	out := gin.H{"status": "ok"}
	for name, check := range s.Health {
		ok := check(ctx)
		out[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			out["status"] = "degraded"
		}
	}
	c.JSON(status, out)
}

type createSessionBody struct {
	CourseID            string     `json:"courseId"`
	ProfessorID         string     `json:"professorId"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	StartTime           time.Time  `json:"startTime"`
	EndTime             time.Time  `json:"endTime"`
	Geofence            *geo.Fence `json:"geofence"`
	DeviceCheckRequired bool       `json:"deviceCheckRequired"`
	PhotoRequired       bool       `json:"photoRequired"`
	MinPhotoScore       *float64   `json:"minPhotoScore"`
	RiskThreshold       *float64   `json:"riskThreshold"`
}

func (s *Server) createSession(c *gin.Context) {
	var body createSessionBody
	if err := s.bind(c, schemaCreateSession, &body); err != nil {
		writeError(c, err)
		return
	}
	who := identity(c)
	professor := who.UserID
	if body.ProfessorID != "" && body.ProfessorID != who.UserID {
		if who.Role != auth.RoleAdmin {
			writeError(c, apperr.New(apperr.KindForbidden, "only admins may create sessions for another professor"))
			return
		}
		professor = body.ProfessorID
	}
	in := session.CreateInput{
		CourseID:            body.CourseID,
		ProfessorID:         professor,
		Title:               body.Title,
		Description:         body.Description,
		StartTime:           body.StartTime,
		EndTime:             body.EndTime,
		Geofence:            body.Geofence,
		DeviceCheckRequired: body.DeviceCheckRequired,
		PhotoRequired:       body.PhotoRequired,
		MinPhotoScore:       body.MinPhotoScore,
		RiskThreshold:       body.RiskThreshold,
	}
	sess, err := s.Sessions.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c *gin.Context) {
	id, err := sessionID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	sess, err := s.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) requirements(c *gin.Context) {
	id, err := sessionID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	req, err := s.Sessions.CurrentRequirements(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) start(c *gin.Context, sess *session.Session) {
	grant, err := s.Sessions.Start(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (s *Server) rotate(c *gin.Context, sess *session.Session) {
	grant, err := s.Sessions.RotateToken(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

// qr rotates the token and renders the new value as a PNG. Token values exist in
// plaintext only at issuance.
func (s *Server) qr(c *gin.Context, sess *session.Session) {
	grant, err := s.Sessions.RotateToken(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	png, err := token.QRCode(grant.TokenValue, s.QRSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Token-Expires-At", grant.ExpiresAt.UTC().Format(time.RFC3339))
	c.Data(http.StatusOK, "image/png", png)
}

func (s *Server) pause(c *gin.Context, sess *session.Session) {
	s.transition(c, s.Sessions.Pause, sess.ID)
}

func (s *Server) resume(c *gin.Context, sess *session.Session) {
	s.transition(c, s.Sessions.Resume, sess.ID)
}

func (s *Server) cancel(c *gin.Context, sess *session.Session) {
	s.transition(c, s.Sessions.Cancel, sess.ID)
}

func (s *Server) transition(c *gin.Context, op func(context.Context, string) (*session.Session, error), id string) {
	out, err := op(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) end(c *gin.Context, sess *session.Session) {
	res, err := s.Sessions.End(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) reconcile(c *gin.Context, sess *session.Session) {
	res, err := s.Sessions.Reconcile(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) emergencyStop(c *gin.Context, sess *session.Session) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := s.bind(c, schemaEmergencyStop, &body); err != nil {
		writeError(c, err)
		return
	}
	res, err := s.Sessions.EmergencyStop(c.Request.Context(), sess.ID, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listAttendance(c *gin.Context, sess *session.Session) {
	var f attendance.Filter
	if v := c.Query("status"); v != "" {
		st, err := attendance.ParseStatus(v)
		if err != nil {
			writeError(c, err)
			return
		}
		f.Status = st
	}
	if v := c.Query("outcome"); v != "" {
		switch o := attendance.Outcome(strings.ToUpper(v)); o {
		case attendance.OutcomeAccepted, attendance.OutcomeFlagged:
			f.Outcome = o
		default:
			writeError(c, apperr.New(apperr.KindValidation, "outcome must be ACCEPTED or FLAGGED"))
			return
		}
	}
	var err error
	if f.Limit, err = intQuery(c, "limit", 100, 500); err != nil {
		writeError(c, err)
		return
	}
	if f.Offset, err = intQuery(c, "offset", 0, -1); err != nil {
		writeError(c, err)
		return
	}
	recs, err := s.Recorder.List(c.Request.Context(), sess.ID, f)
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

// intQuery parses a non-negative integer query parameter, capping it at limit when limit >= 0.
func intQuery(c *gin.Context, name string, def, limit int) (int, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.KindValidation, name+" must be a non-negative integer")
	}
	if limit >= 0 && n > limit {
		n = limit
	}
	return n, nil
}

func (s *Server) override(c *gin.Context, sess *session.Session) {
	var body struct {
		Status attendance.Status `json:"status"`
		Note   string            `json:"note"`
	}
	if err := s.bind(c, schemaOverride, &body); err != nil {
		writeError(c, err)
		return
	}
	rec, err := s.Recorder.Override(c.Request.Context(), attendance.OverrideInput{
		SessionID: sess.ID,
		StudentID: c.Param("studentId"),
		Status:    body.Status,
		Note:      body.Note,
		Actor:     identity(c).UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listAlerts(c *gin.Context, sess *session.Session) {
	alerts, err := s.Recorder.ListAlerts(c.Request.Context(), sess.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) updateAlert(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(c, apperr.New(apperr.KindNotFound, "alert not found"))
		return
	}
	var body struct {
		Status fraud.AlertStatus `json:"status"`
		Note   string            `json:"note"`
	}
	if err := s.bind(c, schemaAlertUpdate, &body); err != nil {
		writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	alert, err := s.Recorder.GetAlert(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	sess, err := s.Sessions.Get(ctx, alert.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	if who := identity(c); who.Role != auth.RoleAdmin && who.UserID != sess.ProfessorID {
		writeError(c, apperr.New(apperr.KindForbidden, "alert belongs to another professor's session"))
		return
	}
	updated, err := s.Recorder.UpdateAlert(ctx, id, body.Status, body.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type checkInBody struct {
	SessionID             string             `json:"sessionId"`
	TokenValue            string             `json:"tokenValue"`
	Latitude              *float64           `json:"latitude"`
	Longitude             *float64           `json:"longitude"`
	AccuracyMeters        *float64           `json:"accuracyMeters"`
	DeviceFingerprint     string             `json:"deviceFingerprint"`
	FingerprintComponents []device.Component `json:"fingerprintComponents"`
	PhotoScore            *float64           `json:"photoScore"`
	PhotoURL              string             `json:"photoUrl"`
}

var rejected = gin.H{"outcome": attendance.OutcomeRejected}

// checkIn records attendance for the calling student. Decisions that created a
// record answer 201; a REJECTED decision answers 200 with its reason.
func (s *Server) checkIn(c *gin.Context) {
	var body checkInBody
	if err := s.bind(c, schemaCheckIn, &body); err != nil {
		writeError(c, err, rejected)
		return
	}
	req := attendance.CheckInRequest{
		SessionID:  body.SessionID,
		StudentID:  identity(c).UserID,
		TokenValue: body.TokenValue,
		Fingerprint: device.Fingerprint{
			Hash:       body.DeviceFingerprint,
			Components: body.FingerprintComponents,
		},
		PhotoScore: body.PhotoScore,
		PhotoURL:   body.PhotoURL,
	}
	if body.Latitude != nil && body.Longitude != nil {
		req.Location = &geo.Reading{Latitude: *body.Latitude, Longitude: *body.Longitude}
		if body.AccuracyMeters != nil {
			req.Location.AccuracyMeters = *body.AccuracyMeters
		}
	}
	res, err := s.Recorder.CheckIn(c.Request.Context(), req)
	if err != nil {
		writeError(c, err, rejected)
		return
	}
	status := http.StatusCreated
	if res.Outcome == attendance.OutcomeRejected {
		status = http.StatusOK
	}
	s.render(c, status, schemaCheckInResponse, res)
}

// render writes v as JSON, checking it against schema first when response
// validation is on.
func (s *Server) render(c *gin.Context, status int, schema string, v any) {
	if !s.ValidateResponses {
		c.JSON(status, v)
		return
	}
	raw, err := json.Marshal(v)
	if err == nil {
		err = s.Schemas.Validate(schema, raw)
	}
	if err != nil {
		writeError(c, apperr.Wrap(apperr.KindInternal, err, "response failed "+schema+" validation"))
		return
	}
	c.Data(status, "application/json; charset=utf-8", raw)
}

func (s *Server) listDevices(c *gin.Context) {
	devs, err := s.Devices.List(c.Request.Context(), identity(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	if devs == nil {
		devs = []device.Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devs})
}

func (s *Server) deactivateDevice(c *gin.Context) {
	if err := s.Devices.Deactivate(c.Request.Context(), identity(c).UserID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) upload(c *gin.Context) {
	if s.Uploader == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "unavailable", "message": "image storage not configured"}})
		return
	}
	ctx := c.Request.Context()
	who := identity(c).UserID

	var (
		res *cloudinary.UploadResult
		err error
	)
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cloudinary.MaxImageBytes+1<<16)
		file, header, ferr := c.Request.FormFile("file")
		if ferr != nil {
			writeError(c, apperr.New(apperr.KindValidation, "file field required"))
			return
		}
		defer file.Close()
		data, rerr := io.ReadAll(file)
		if rerr != nil {
			writeError(c, apperr.New(apperr.KindValidation, "image too large or unreadable"))
			return
		}
		res, err = s.Uploader.UploadBytes(ctx, who, data, header.Filename)
	} else {
		var body struct {
			Data string `json:"data"`
		}
		if berr := s.bindLimit(c, schemaUpload, &body, cloudinary.MaxImageBytes*2); berr != nil {
			writeError(c, berr)
			return
		}
		res, err = s.Uploader.UploadDataURL(ctx, who, body.Data)
	}
	if err != nil {
		log.Printf("upload: student=%s: %v", who, err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": gin.H{"code": "upstream_failed", "message": "image upload failed"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":      res.SecureURL,
		"publicId": res.PublicID,
		"width":    res.Width,
		"height":   res.Height,
		"bytes":    res.Bytes,
	})
}
