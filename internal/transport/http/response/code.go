package response

import "net/http"

// 业务码直接取 HTTP 语义，envelope 的 code 与响应状态码一致
const (
	CodeOK           = 0
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeServerError  = 500
)

// CodeMsgMap 集中管理 code - msg
var CodeMsgMap = map[int]string{
	CodeOK:           "OK",
	CodeBadRequest:   "Bad Request",
	CodeUnauthorized: "Unauthorized",
	CodeForbidden:    "Forbidden",
	CodeNotFound:     "Not Found",
	CodeServerError:  "Internal Server Error",
}

// HTTPStatus envelope code → 响应状态码（CodeOK 之外原样透传，未知码按 500）
func HTTPStatus(code int) int {
	switch {
	case code == CodeOK:
		return http.StatusOK
	case code >= 400 && code < 600:
		return code
	default:
		return http.StatusInternalServerError
	}
}
