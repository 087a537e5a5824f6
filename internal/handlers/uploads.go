package handlers

// UploadFileRequest stages one complete file for the session.
type UploadFileRequest struct {
	FileName string `json:"fileName"`
	Content  string `json:"content"` // base64
}

// UploadFileResponse carries the staged file's absolute path.
type UploadFileResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
}

// UploadFile stages a single-shot upload in the session's staging area.
func (h *Handlers) UploadFile(sessionKey string, req UploadFileRequest) any {
	path, err := h.cfg.Uploads.Upload(sessionKey, req.FileName, req.Content)
	if err != nil {
		return failure(err)
	}
	return UploadFileResponse{Success: true, Path: path}
}

// MultipartStartRequest opens a multipart upload.
type MultipartStartRequest struct {
	FileName string `json:"fileName"`
}

// MultipartStartResponse carries the generated upload id.
type MultipartStartResponse struct {
	Success  bool   `json:"success"`
	UploadID string `json:"uploadId"`
}

// MultipartStart opens a multipart upload bound to the session.
func (h *Handlers) MultipartStart(sessionKey string, req MultipartStartRequest) any {
	id, err := h.cfg.Uploads.StartMultipart(sessionKey, req.FileName)
	if err != nil {
		return failure(err)
	}
	return MultipartStartResponse{Success: true, UploadID: id}
}

// MultipartChunkRequest appends one chunk.
type MultipartChunkRequest struct {
	UploadID string `json:"uploadId"`
	Chunk    string `json:"chunk"` // base64
}

// MultipartChunkResponse reports the total bytes staged so far.
type MultipartChunkResponse struct {
	Success      bool  `json:"success"`
	BytesWritten int64 `json:"bytesWritten"`
}

// MultipartChunk appends a chunk, aborting the upload if it crosses the
// size cap.
func (h *Handlers) MultipartChunk(sessionKey string, req MultipartChunkRequest) any {
	written, err := h.cfg.Uploads.AppendChunk(sessionKey, req.UploadID, req.Chunk)
	if err != nil {
		return failure(err)
	}
	return MultipartChunkResponse{Success: true, BytesWritten: written}
}

// MultipartRefRequest names an in-flight multipart upload.
type MultipartRefRequest struct {
	UploadID string `json:"uploadId"`
}

// MultipartCompleteResponse carries the final file path and size.
type MultipartCompleteResponse struct {
	Success bool   `json:"success"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
}

// MultipartComplete finalizes a multipart upload.
func (h *Handlers) MultipartComplete(sessionKey string, req MultipartRefRequest) any {
	path, size, err := h.cfg.Uploads.CompleteMultipart(sessionKey, req.UploadID)
	if err != nil {
		return failure(err)
	}
	return MultipartCompleteResponse{Success: true, Path: path, Size: size}
}

// MultipartAbortResponse acknowledges an abort.
type MultipartAbortResponse struct {
	Success bool `json:"success"`
}

// MultipartAbort cancels a multipart upload and discards the partial file.
func (h *Handlers) MultipartAbort(sessionKey string, req MultipartRefRequest) any {
	if err := h.cfg.Uploads.AbortMultipart(sessionKey, req.UploadID); err != nil {
		return failure(err)
	}
	return MultipartAbortResponse{Success: true}
}

// DeleteUploadRequest removes one staged file.
type DeleteUploadRequest struct {
	Path string `json:"path"`
}

// DeleteUploadResponse acknowledges a deletion.
type DeleteUploadResponse struct {
	Success bool `json:"success"`
}

// DeleteUpload removes a staged file after validating that both the lexical
// and the canonical path stay inside the session's staging directory.
func (h *Handlers) DeleteUpload(sessionKey string, req DeleteUploadRequest) any {
	if err := h.cfg.Uploads.Delete(sessionKey, req.Path); err != nil {
		return failure(err)
	}
	return DeleteUploadResponse{Success: true}
}
