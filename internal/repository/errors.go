package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	svcErr "github.com/oggyb/muzz-connect/internal/errors"
)

// wrapDBError converts gorm failures into domain errors. what names the
// entity for not-found messages.
func wrapDBError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return svcErr.Wrap(svcErr.KindNotFound, what+" not found", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return svcErr.Wrap(svcErr.KindConflict, what+" already exists", err)
	}
	var de *svcErr.Error
	if errors.As(err, &de) {
		return err
	}
	return svcErr.TransientStore(err)
}

func invalidCursor(err error) error {
	return svcErr.InvalidArgument(err.Error())
}
