package log

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type loggerKey struct{}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Ctx returns the logger carried by ctx, or the global logger.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return L()
}

// Gin returns the request logger installed by GinMiddleware.
func Gin(c *gin.Context) zerolog.Logger {
	return Ctx(c.Request.Context())
}

// WithStream tags the request logger with streamID for the rest of the
// request and returns it.
func WithStream(c *gin.Context, streamID string) zerolog.Logger {
	l := Gin(c).With().Str(FieldStreamID, streamID).Logger()
	c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), l))
	return l
}
