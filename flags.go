package gowim

import "github.com/distr1/gowim/internal/writer"

// OpenFlag controls how Open treats the file it is given.
type OpenFlag uint32

const (
	// OpenCheckIntegrity verifies the integrity table, if present,
	// before Open returns a handle.
	OpenCheckIntegrity OpenFlag = 1 << iota
	// OpenSplitOK allows opening one part of a spanned set on its own;
	// without it, Open refuses a part whose header claims total_parts
	// greater than one.
	OpenSplitOK
	// OpenWriteAccess requests the advisory exclusive lock Overwrite
	// needs; Open fails if another handle already holds it.
	OpenWriteAccess
)

// WriteFlag is the flag set accepted by Write, WriteToFd, Overwrite,
// Split and Join. It is the same bit set internal/writer's orchestrator
// already normalizes and dispatches on, re-exported under its own name
// since the root package is that type's only public consumer.
type WriteFlag = writer.Flag

const (
	WriteCheckIntegrity   = writer.FlagCheckIntegrity
	WriteNoCheckIntegrity = writer.FlagNoCheckIntegrity
	WritePipable          = writer.FlagPipable
	WriteNotPipable       = writer.FlagNotPipable
	WriteRecompress       = writer.FlagRecompress
	WriteFsync            = writer.FlagFsync
	WriteRebuild          = writer.FlagRebuild
	WriteSoftDelete       = writer.FlagSoftDelete
	WriteIgnoreReadonly   = writer.FlagIgnoreReadonly
	WriteStreamsOK        = writer.FlagStreamsOK
	WriteRetainGUID       = writer.FlagRetainGUID
	WriteSolid            = writer.FlagSolid
	WriteSendDoneWithFile = writer.FlagSendDoneWithFile
	WriteNoSolidSort      = writer.FlagNoSolidSort
	WriteUnsafeCompact    = writer.FlagUnsafeCompact
	WriteSkipExternalWIMs = writer.FlagSkipExternalWIMs
)

// AddImageFlag controls AddImage's scan.
type AddImageFlag uint32

const (
	// AddImageVerbose is accepted but has no effect: AddImage takes no
	// ProgressFunc and reports no progress messages, ProgressScanDentry
	// and ProgressScanBegin/End included.
	AddImageVerbose AddImageFlag = 1 << iota
	// AddImageNoACLs skips staging security descriptors entirely, even
	// if the Scanner offers them: every dentry gets NoSecurityID.
	AddImageNoACLs
)

// ExtractFlag controls ExtractImage's write-out to a real filesystem.
type ExtractFlag uint32

const (
	// ExtractNoACLs is always effectively in force: this package does
	// not reapply security descriptors when extracting to a POSIX
	// filesystem. The flag exists so callers can name that intent
	// explicitly rather than relying on undocumented default behavior.
	ExtractNoACLs ExtractFlag = 1 << iota
	// ExtractNoPreserveTimestamps skips the Chtimes call after writing
	// each file's content.
	ExtractNoPreserveTimestamps
)

// IterateFlag controls IterateDirTree's walk.
type IterateFlag uint32

const (
	// IterateRecursive visits every descendant of path, not just its
	// immediate children.
	IterateRecursive IterateFlag = 1 << iota
	// IterateDirsOnly skips non-directory entries.
	IterateDirsOnly
)

// AllImages selects every image of a container, for operations whose
// image parameter can restrict to one image instead (Write). ExtractImage
// needs a specific image and rejects AllImages.
const AllImages = 0
