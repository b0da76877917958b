package controller

import (
	"errors"

	"drip/models"
)

func isUnexpected(err error) bool {
	var (
		verr  *models.ValidationError
		serr  *models.InvalidStateError
		nferr *models.NotFoundError
	)
	return !errors.As(err, &verr) && !errors.As(err, &serr) && !errors.As(err, &nferr)
}
