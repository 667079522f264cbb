// Package gowim implements the Windows Imaging Format: a deduplicated,
// compressed archive of one or more captured filesystem trees sharing a
// single content-addressed blob pool.
//
// A Container is the handle everything else hangs off: Open reads one
// from disk, Create starts an empty in-memory one, and AddImage,
// ExportImage, ExtractImage, IterateDirTree, Write, WriteToFd, Overwrite,
// Split and Join cover the rest of the operations a WIM archive supports.
// The container format itself (header, resource engine, blob table,
// metadata tree, the XPRESS/LZX/LZMS codecs, and the write orchestrator)
// lives under internal/, private to the one package that understands it.
//
// gowim never shells out to Microsoft's own wimlib or imagex, and does
// not aim for byte-for-byte output parity with either; see DESIGN.md for
// what parity is and isn't claimed.
package gowim
