package gowim

import "github.com/distr1/gowim/internal/writer"

// ProgressKind identifies which phase of a long-running operation a
// ProgressMessage describes.
type ProgressKind = writer.ProgressKind

const (
	ProgressScanBegin         = writer.ProgressScanBegin
	ProgressScanDentry        = writer.ProgressScanDentry
	ProgressScanEnd           = writer.ProgressScanEnd
	ProgressWriteStreams      = writer.ProgressWriteStreams
	ProgressVerifyIntegrity   = writer.ProgressVerifyIntegrity
	ProgressCalcIntegrity     = writer.ProgressCalcIntegrity
	ProgressExtractBegin      = writer.ProgressExtractBegin
	ProgressExtractStreams    = writer.ProgressExtractStreams
	ProgressExtractDentry     = writer.ProgressExtractDentry
	ProgressExtractTimestamps = writer.ProgressExtractTimestamps
	ProgressExtractEnd        = writer.ProgressExtractEnd
	ProgressRename            = writer.ProgressRename
	ProgressSplitBeginPart    = writer.ProgressSplitBeginPart
	ProgressSplitEndPart      = writer.ProgressSplitEndPart
	ProgressUpdateBeginCommand = writer.ProgressUpdateBeginCommand
	ProgressUpdateEndCommand  = writer.ProgressUpdateEndCommand
)

// ProgressMessage is what a ProgressFunc receives.
type ProgressMessage = writer.ProgressMessage

// ProgressFunc is invoked synchronously as a long-running operation makes
// headway; returning true requests cancellation at the operation's next
// safe point.
type ProgressFunc = writer.ProgressFunc
