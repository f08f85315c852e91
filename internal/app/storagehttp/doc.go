// Package storagehttp реализует Storage API — HTTP-интерфейс контентно-адресуемого хранилища
// поверх локального диска. Основные эндпоинты:
//   - POST /files — принимает тело (сырое или multipart-поле file), отвечает 201 с file_id = sha256.
//   - GET /files/{fileID} — отдаёт блоб целиком или один диапазон из заголовка Range (206).
//   - HEAD /files/{fileID} — те же заголовки, что у GET, без тела.
//   - GET /files/{fileID}/info — JSON с метаданными блоба.
//   - DELETE /files/{fileID} — удаляет блоб; 404 на отсутствующий только в строгом режиме.
//   - POST /admin/retention — внеплановый проход очистки.
//   - GET /healthz, GET /readyz — живость и готовность (запись в каталог и запас места).
package storagehttp
