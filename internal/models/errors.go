package models

import "errors"

var (
	ErrIO                = errors.New("io error")
	ErrExtraction        = errors.New("extraction error")
	ErrAnalysis          = errors.New("analysis error")
	ErrParse             = errors.New("parse error")
	ErrStore             = errors.New("store error")
	ErrNotFound          = errors.New("not found")
	ErrUnsupportedFormat = errors.New("unsupported file format")
)
