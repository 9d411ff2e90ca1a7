package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"smartattend/internal/antifraud"
	"smartattend/internal/attendance"
	"smartattend/internal/auth"
	"smartattend/internal/config"
	"smartattend/internal/evidence"
	"smartattend/internal/faceclient"
	"smartattend/internal/facematch"
	"smartattend/internal/geofence"
	"smartattend/internal/httpmiddleware"
	"smartattend/internal/imagecodec"
	"smartattend/internal/ledger"
	"smartattend/internal/logging"
	"smartattend/internal/metrics"
	"smartattend/internal/notify"
	"smartattend/internal/profile"
	"smartattend/internal/queue"
	"smartattend/internal/store"
)

const (
	notificationQueueKey = "smartattend:notifications"
	evidenceQueueKey     = "smartattend:evidence"
)

func main() {
	cfg := config.Load()
	log := logging.New("api")

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, log); err != nil {
		log.WithError(err).Fatal("http server failed")
	}
}

func runHTTP(cfg config.App, log *logrus.Entry) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var notifyQ, evidenceQ queue.Queue
	if cfg.QueueBackend == "memory" {
		notifyQ = queue.NewInMemory(64)
		evidenceQ = queue.NewInMemory(64)
	} else {
		notifyQ = queue.NewRedisQueue(redisClient.Client, notificationQueueKey)
		evidenceQ = queue.NewRedisQueue(redisClient.Client, evidenceQueueKey)
	}

	faces := faceclient.New(cfg.FaceServiceURL, cfg.FaceServiceTimeout, cfg.FaceSkip)
	if cfg.FaceSkip {
		log.Warn("face service in skip mode, returning mock scores")
	}

	profiles := profile.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)
	attempts := ledger.New(db.Client, cfg.MaxGeofenceAttempts)
	pendings := notify.NewPendingStore(db.Client)
	registry := notify.NewRegistry()
	dispatcher := notify.NewDispatcher(registry, pendings, notifyQ, log)

	pipeline := &attendance.Pipeline{
		Profiles: profiles,
		Classes:  profiles,
		Records:  records,
		Ledger:   attempts,
		Liveness: antifraud.NewLivenessChecker(antifraud.ScorerFunc(faces.LivenessScore), cfg.LivenessMinConfidence),
		Deepfake: antifraud.NewDeepfakeDetector(antifraud.ScorerFunc(faces.DeepfakeScore), cfg.DeepfakeMaxConfidence),
		Matcher:  facematch.NewMatcher(faces, cfg.SimilarityThreshold),
		Geofence: geofence.NewValidator(geofence.Site{
			Latitude:     cfg.SiteLatitude,
			Longitude:    cfg.SiteLongitude,
			RadiusMeters: cfg.SiteRadiusMeters,
		}),
		Notifier: meteredNotifier{dispatcher},
		Log:      log,
	}

	// Redelivery happens in-process: the live-connection registry lives here,
	// so this is the only process that can complete a delivery.
	redeliverer := &notify.Redeliverer{
		Registry: registry,
		Pending:  pendings,
		Queue:    notifyQ,
		Log:      log,
	}
	go func() {
		if err := redeliverer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("redeliverer stopped")
		}
	}()

	archiveEvidence := cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != ""
	if !archiveEvidence {
		log.Info("evidence archival disabled (CLOUDINARY_* not set)")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	// Two limiters: login is keyed by client IP (no claims yet), everything
	// behind auth is keyed by token subject so one student's retry loop
	// cannot exhaust a shared campus NAT address's budget.
	loginLimiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	r.POST("/v1/auth/login", loginLimiter.Gin(), func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		student, passwordHash, err := profiles.StudentByUsername(c.Request.Context(), req.Username)
		if err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}

		tokens, err := auth.Issue(student.ID, student.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"token_type":    "bearer",
			"expires_at":    tokens.AccessExp.Unix(),
			"user": gin.H{
				"id":        student.ID,
				"username":  student.Username,
				"full_name": student.FullName,
				"role":      student.Role,
			},
		})
	})

	authGroup := r.Group("", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.Gin())

	authGroup.POST("/v1/attendance/checkins", func(c *gin.Context) {
		var req struct {
			ClassID   string  `json:"class_id" binding:"required"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Image     string  `json:"image" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		claims := auth.FromContext(c)
		started := time.Now()

		result, err := pipeline.Run(c.Request.Context(), attendance.CheckInRequest{
			StudentID: claims.Subject,
			ClassID:   req.ClassID,
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
			Image:     req.Image,
			Timestamp: time.Now().UTC(),
		})
		metrics.CheckInDuration.Observe(time.Since(started).Seconds())

		if err != nil {
			var checkErr *attendance.CheckInError
			if !errors.As(err, &checkErr) {
				metrics.CheckIns.WithLabelValues(string(attendance.KindInternal)).Inc()
				c.JSON(http.StatusInternalServerError, gin.H{"error": "check-in failed"})
				return
			}
			metrics.CheckIns.WithLabelValues(string(checkErr.Kind)).Inc()

			if archiveEvidence && fraudEvidenceKind(checkErr.Kind) {
				publishEvidence(ctx, log, evidenceQ, evidence.Item{
					StudentID: claims.Subject,
					ClassID:   req.ClassID,
					Kind:      string(checkErr.Kind),
					Image:     req.Image,
				})
			}

			c.JSON(httpStatus(checkErr.Kind), rejectionBody(checkErr))
			return
		}

		metrics.CheckIns.WithLabelValues("success").Inc()
		c.JSON(http.StatusOK, gin.H{
			"status":        "success",
			"attendance_id": result.Record.ID,
			"check_in_time": result.Record.CheckInTime,
			"validations": gin.H{
				"liveness": gin.H{"is_live": result.Liveness.IsLive, "confidence": result.Liveness.Confidence},
				"deepfake": gin.H{"is_deepfake": result.Deepfake.IsDeepfake, "confidence": result.Deepfake.Confidence},
				"gps":      gin.H{"is_valid": result.Geofence.IsValid, "distance_meters": result.Geofence.DistanceMeters},
				"embedding": gin.H{
					"is_match":   result.Match.IsMatch,
					"similarity": result.Match.Similarity,
				},
			},
		})
	})

	// Face enrollment: captures the reference embedding later check-ins are
	// matched against.
	authGroup.POST("/v1/students/me/face", auth.RequireRole(auth.RoleStudent), func(c *gin.Context) {
		var req struct {
			Image string `json:"image" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		img, err := imagecodec.Decode(req.Image)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image payload could not be decoded"})
			return
		}

		vec, err := faces.Embed(c.Request.Context(), img)
		if err != nil {
			if errors.Is(err, faceclient.ErrNoFaceDetected) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no face detected in image"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": "embedding extraction failed"})
			return
		}

		unit, err := facematch.Normalize(vec)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "degenerate embedding"})
			return
		}

		claims := auth.FromContext(c)
		ref := profile.ReferenceEmbedding{
			Vector:      unit,
			Norm:        facematch.Norm(vec),
			CreatedAt:   time.Now().UTC(),
			SampleCount: 1,
		}
		if err := profiles.SaveReference(c.Request.Context(), claims.Subject, ref); err != nil {
			if errors.Is(err, profile.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "enrolled", "dimensions": len(unit)})
	})

	authGroup.GET("/v1/attendance/class/:id/today", auth.RequireRole(auth.RoleTeacher), func(c *gin.Context) {
		date := c.Query("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}
		recs, err := records.ListForClassDate(c.Request.Context(), c.Param("id"), date)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"class_id": c.Param("id"), "date": date, "records": recs})
	})

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	authGroup.GET("/ws/teacher", auth.RequireRole(auth.RoleTeacher), func(c *gin.Context) {
		claims := auth.FromContext(c)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		registry.Register(claims.Subject, conn)
		wsLog := log.WithField("teacher_id", claims.Subject)
		wsLog.Info("teacher connected")

		replayPending(ctx, wsLog, pendings, registry, claims.Subject)

		// Read loop exists only to observe the close.
		go func() {
			defer func() {
				registry.Unregister(claims.Subject, conn)
				conn.Close()
				wsLog.Info("teacher disconnected")
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.HTTPPort).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server forced shutdown")
	}

	log.Info("server exited")
	return nil
}

// meteredNotifier counts deliveries around the dispatcher.
type meteredNotifier struct {
	dispatcher *notify.Dispatcher
}

func (m meteredNotifier) Dispatch(ctx context.Context, teacherID string, p notify.Payload) string {
	outcome := m.dispatcher.Dispatch(ctx, teacherID, p)
	metrics.Notifications.WithLabelValues(outcome).Inc()
	return outcome
}

// replayPending pushes every stored undelivered notification to a freshly
// connected teacher, oldest first, and marks each delivered on success.
func replayPending(ctx context.Context, log *logrus.Entry, pendings *notify.PendingStore, registry *notify.Registry, teacherID string) {
	undelivered, err := pendings.Undelivered(ctx, teacherID)
	if err != nil {
		log.WithError(err).Warn("pending replay lookup failed")
		return
	}
	for _, p := range undelivered {
		if err := registry.Send(teacherID, p.Payload); err != nil {
			return
		}
		if err := pendings.MarkDelivered(ctx, p.ID); err != nil && !errors.Is(err, notify.ErrPendingNotFound) {
			log.WithError(err).WithField("notification_id", p.ID).Warn("mark delivered failed")
		}
	}
	if len(undelivered) > 0 {
		log.WithField("count", len(undelivered)).Info("replayed pending notifications")
	}
}

func publishEvidence(ctx context.Context, log *logrus.Entry, q queue.Queue, item evidence.Item) {
	body, err := json.Marshal(item)
	if err != nil {
		return
	}
	if err := q.Publish(ctx, queue.Message{Type: queue.TypeEvidence, Body: body}); err != nil {
		log.WithError(err).Warn("evidence enqueue failed")
	}
}

// fraudEvidenceKind reports whether a rejection warrants archiving the
// submitted image for audit.
func fraudEvidenceKind(kind attendance.Kind) bool {
	switch kind {
	case attendance.KindLivenessFailed,
		attendance.KindDeepfakeDetected,
		attendance.KindIdentityMismatch,
		attendance.KindGeofenceInvalid,
		attendance.KindGeofenceMaxAttemptsReached:
		return true
	}
	return false
}

func httpStatus(kind attendance.Kind) int {
	switch kind {
	case attendance.KindFaceIDNotConfigured:
		return http.StatusPreconditionFailed
	case attendance.KindImageInvalid:
		return http.StatusBadRequest
	case attendance.KindLivenessFailed:
		return http.StatusUnprocessableEntity
	case attendance.KindDeepfakeDetected, attendance.KindIdentityMismatch, attendance.KindGeofenceInvalid:
		return http.StatusForbidden
	case attendance.KindGeofenceMaxAttemptsReached:
		return http.StatusTooManyRequests
	case attendance.KindAlreadyCheckedIn:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func rejectionBody(e *attendance.CheckInError) gin.H {
	body := gin.H{"error": string(e.Kind), "message": e.Message}
	if e.DistanceMeters != nil {
		body["distance_meters"] = *e.DistanceMeters
	}
	if e.Similarity != nil {
		body["similarity"] = *e.Similarity
	}
	if e.AttemptNumber != nil {
		body["attempt_number"] = *e.AttemptNumber
	}
	if e.RemainingAttempts != nil {
		body["remaining_attempts"] = *e.RemainingAttempts
	}
	if e.MaxAttemptsReached {
		body["max_attempts_reached"] = true
	}
	return body
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
