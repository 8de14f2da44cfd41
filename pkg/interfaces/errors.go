package interfaces

import "errors"

// Errors shared across collaborator boundaries.
var (
	ErrAssessmentNotFound  = errors.New("assessment not found")
	ErrEngineStateNotFound = errors.New("engine state not found")
	ErrQuestionNotFound    = errors.New("question not found")

	// Engine rejections for answers the client should not retry verbatim.
	ErrUnexpectedQuestion = errors.New("answer does not match the current question")
	ErrUnknownChoice      = errors.New("selected option is not one of the question's choices")
)
