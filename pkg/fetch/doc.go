/*
Package fetch implements the Agent-Image Fetcher: given an image uuid
and a base URL, it downloads the image manifest and its file, verifies
size and checksum, identifies the compression format, and confirms the
result is actually an agent image before handing back its final path.

Verification deliberately leaves failed artifacts on disk: a size or
checksum mismatch keeps the downloaded ".file" in place for inspection
instead of cleaning up.
*/
package fetch
