// Package nexusvault reads and writes game-asset vaults.
//
// A vault is a pair of packed files sharing a base name: <name>.index holds
// the directory tree and <name>.archive holds content-addressed blobs keyed
// by the SHA-1 of their stored bytes. Each file link in the index records the
// hash, sizes, write time and compression flags of one file.
//
// Both files are tiny heaps: a guard-framed block stream tracked by an
// in-memory ledger, plus a pack table that lets any record relocate without
// rewriting the pointers to it. The lower-level packages [archive] and
// [index] expose each file on its own; [Vault] pairs them.
//
// # Reading
//
// Vault implements fs.FS, fs.StatFS, fs.ReadFileFS and fs.ReadDirFS. Lookups
// ignore case and accept either separator:
//
//	v, err := nexusvault.Open("client.index", nexusvault.WithReadOnly())
//	if err != nil {
//	    return err
//	}
//	defer v.Close()
//	data, err := v.ReadFile("Art/Creature/Rowsdower.m3")
//
// Content is decoded according to the link flags (deflate or LZMA) and
// verified against its hash. Concurrent reads of the same content share one
// decode, and an optional [cache.Cache] serves repeated reads.
//
// # Writing
//
//	v, err := nexusvault.Create("patch", nexusvault.WithCompressRules(
//	    pathrules.Rule{Action: pathrules.ActionInclude, Pattern: "*.xml"},
//	))
//	if err != nil {
//	    return err
//	}
//	err = v.WriteFile("DB/Items.xml", data, time.Now())
//	...
//	err = v.Close()
//
// Identical stored bytes are kept once. Replacing or removing a file leaves
// its blob in the archive until [Vault.Collect] runs.
package nexusvault
