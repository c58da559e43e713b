package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/present"
	"go.uber.org/zap"

	"pacs-server/internal/middleware"
	"pacs-server/internal/services"
)

// RouterConfig holds the HTTP-level settings of the API.
type RouterConfig struct {
	// AllowOrigins lists the CORS origins; empty or "*" allows any origin.
	AllowOrigins   []string
	RequestTimeout time.Duration
}

// Dependencies are the services the API is built on.
type Dependencies struct {
	Store       Pinger
	Verifier    middleware.TokenVerifier
	Resolver    middleware.IdentityResolver
	Accounts    *services.AccountService
	Catalog     *services.CatalogService
	Annotations *services.AnnotationService
	Uploads     *services.UploadBroker
	Downloads   *services.DownloadBroker
	Importer    *services.Importer
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{TotalCountHeader, middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			config.AllowAllOrigins = true
			config.AllowCredentials = false
			config.AllowOrigins = nil
			break
		}
		config.AllowOrigins = append(config.AllowOrigins, origin)
	}
	if len(config.AllowOrigins) == 0 {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	}
	return cors.New(config)
}

// NewRouter wires every route of the API.
func NewRouter(log *zap.Logger, cfg RouterConfig, deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Recovery(log))
	router.Use(corsMiddleware(cfg.AllowOrigins))
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.Use(middleware.Timeout(cfg.RequestTimeout))

	healthHandler := NewHealthHandler(log, deps.Store)
	authHandler := NewAuthHandler(log, deps.Accounts)
	usersHandler := NewUsersHandler(log, deps.Accounts)
	projectsHandler := NewProjectsHandler(log, deps.Accounts, deps.Importer)
	dicomHandler := NewDicomHandler(log, deps.Catalog)
	annotationsHandler := NewAnnotationsHandler(log, deps.Annotations)
	maskGroupsHandler := NewMaskGroupsHandler(log, deps.Annotations)
	masksHandler := NewMasksHandler(log, deps.Annotations)
	uploadHandler := NewUploadHandler(log, deps.Uploads)
	filesHandler := NewFilesHandler(log, deps.Downloads)

	// Health check and metrics (no auth)
	router.GET("/health", healthHandler.Health)
	router.GET("/debug/monkit/*any", gin.WrapH(http.StripPrefix("/debug/monkit", present.HTTP(monkit.Default))))

	router.POST("/api/auth/login", authHandler.Login)

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(log, deps.Verifier, deps.Resolver))

	// Users
	api.POST("/users", usersHandler.CreateUser)
	api.GET("/users", usersHandler.ListUsers)
	api.GET("/users/me", usersHandler.Me)

	// Projects and memberships
	api.POST("/projects", projectsHandler.CreateProject)
	api.GET("/projects", projectsHandler.ListProjects)
	api.GET("/projects/:project_id", projectsHandler.GetProject)
	api.PUT("/projects/:project_id", projectsHandler.UpdateProject)
	api.POST("/projects/:project_id/members", projectsHandler.AddMember)
	api.GET("/projects/:project_id/members", projectsHandler.ListMembers)
	api.POST("/projects/:project_id/studies", projectsHandler.ImportStudy)

	// DICOM hierarchy
	api.GET("/dicom/studies", dicomHandler.ListStudies)
	api.GET("/dicom/studies/:study_uid/series", dicomHandler.ListSeries)
	api.GET("/dicom/studies/:study_uid/series/:series_uid/instances", dicomHandler.ListInstances)

	// Annotations
	api.POST("/annotations", annotationsHandler.CreateAnnotation)
	api.GET("/annotations", annotationsHandler.ListAnnotations)
	api.GET("/annotations/:annotation_id", annotationsHandler.GetAnnotation)
	api.PUT("/annotations/:annotation_id", annotationsHandler.UpdateAnnotation)
	api.DELETE("/annotations/:annotation_id", annotationsHandler.DeleteAnnotation)

	// Mask groups
	groups := api.Group("/annotations/:annotation_id/mask-groups")
	groups.POST("", maskGroupsHandler.CreateMaskGroup)
	groups.GET("", maskGroupsHandler.ListMaskGroups)
	groups.GET("/:group_id", maskGroupsHandler.GetMaskGroup)
	groups.PUT("/:group_id", maskGroupsHandler.UpdateMaskGroup)
	groups.DELETE("/:group_id", maskGroupsHandler.DeleteMaskGroup)

	// Upload and download
	groups.POST("/:group_id/upload-url", uploadHandler.RequestUpload)
	groups.POST("/:group_id/complete-upload", uploadHandler.CompleteUpload)
	groups.POST("/:group_id/masks/:mask_id/cancel-upload", uploadHandler.CancelUpload)
	groups.POST("/:group_id/masks/:mask_id/download-url", filesHandler.RequestDownload)

	// Masks
	groups.POST("/:group_id/masks", masksHandler.CreateMask)
	groups.GET("/:group_id/masks", masksHandler.ListMasks)
	groups.GET("/:group_id/masks/:mask_id", masksHandler.GetMask)
	groups.PUT("/:group_id/masks/:mask_id", masksHandler.UpdateMask)
	groups.DELETE("/:group_id/masks/:mask_id", masksHandler.DeleteMask)

	return router
}
