package engine

import "errors"

var (
	ErrStateExists = errors.New("engine state already exists for thread")
	ErrNoQuestions = errors.New("question set is empty")
)
